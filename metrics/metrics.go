package metrics

import (
	"context"
	"time"

	rpcmetrics "github.com/filecoin-project/go-jsonrpc/metrics"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, // Very short intervals for fast operations
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100, // 10 ms intervals up to 100 ms
	150, 200, 250, 300, 350, 400, 450, 500, // 50 ms intervals from 100 to 500 ms
	600, 700, 800, 900, 1000, // 100 ms intervals from 500 to 1000 ms
	2000, 3000, 4000, 5000, 6000, 8000, 10000, 13000, 16000, 20000, 25000, 30000, 40000, 50000, 65000, 80000, 100000,
)

// walltimeMillisecondsDistribution covers compute tasks, which run anywhere
// from under a second to many hours.
var walltimeMillisecondsDistribution = view.Distribution(
	250, 500, 1000, 2000, 5000, 10_000, 30_000, 60_000, // sub-minute tasks
	2*60_000, 5*60_000, 10*60_000, 15*60_000, 30*60_000, 60*60_000, // minutes range
	2*3600_000, 4*3600_000, 8*3600_000, 16*3600_000, 24*3600_000, 48*3600_000, // hours range
)

var queueSizeDistribution = view.Distribution(0, 1, 2, 3, 5, 7, 10, 15, 25, 35, 50, 70, 90, 130, 200, 300, 500, 1000, 2000, 5000, 10000)

// Tags
var (
	// common
	Version, _      = tag.NewKey("version")
	Commit, _       = tag.NewKey("commit")
	Endpoint, _     = tag.NewKey("endpoint")
	APIInterface, _ = tag.NewKey("api")

	// engine
	Kind, _        = tag.NewKey("kind")
	TaskTag, _     = tag.NewKey("task_tag")
	ManagerName, _ = tag.NewKey("manager_name")
	ErrorClass, _  = tag.NewKey("error_class")
)

// Measures
var (
	// common
	LatticeInfo        = stats.Int64("info", "Arbitrary counter to tag lattice info to", stats.UnitDimensionless)
	APIRequestDuration = stats.Float64("api/request_duration_ms", "Duration of API requests", stats.UnitMilliseconds)

	// records
	RecordsSubmitted    = stats.Int64("records/submitted", "Counter for newly created records", stats.UnitDimensionless)
	RecordsDeduplicated = stats.Int64("records/deduplicated", "Counter for submissions satisfied by an existing record", stats.UnitDimensionless)

	// tasks
	TasksClaimed   = stats.Int64("tasks/claimed", "Counter for tasks claimed by managers", stats.UnitDimensionless)
	TasksReclaimed = stats.Int64("tasks/reclaimed", "Counter for tasks returned to the queue after manager loss", stats.UnitDimensionless)
	TaskResets     = stats.Int64("tasks/resets", "Counter for automatic task resets after recoverable errors", stats.UnitDimensionless)
	TaskQueueDepth = stats.Int64("tasks/queue_depth", "Number of tasks waiting to be claimed", stats.UnitDimensionless)

	// results
	ResultsAccepted = stats.Int64("results/accepted", "Counter for accepted task results", stats.UnitDimensionless)
	ResultsRejected = stats.Int64("results/rejected", "Counter for rejected task results", stats.UnitDimensionless)
	ResultWalltime  = stats.Float64("results/walltime_ms", "Walltime reported with task results", stats.UnitMilliseconds)

	// services
	ServiceIterations = stats.Int64("services/iterations", "Counter for service orchestrator iterations", stats.UnitDimensionless)
	ServicesActive    = stats.Int64("services/active", "Number of services currently driven by the orchestrator", stats.UnitDimensionless)

	// managers
	ManagersActive      = stats.Int64("managers/active", "Number of compute managers currently active", stats.UnitDimensionless)
	ManagersDeactivated = stats.Int64("managers/deactivated", "Counter for managers deactivated after missed heartbeats", stats.UnitDimensionless)
)

// Views
var (
	InfoView = &view.View{
		Name:        "info",
		Description: "Lattice node information",
		Measure:     LatticeInfo,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit},
	}
	APIRequestDurationView = &view.View{
		Measure:     APIRequestDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{APIInterface, Endpoint},
	}

	RecordsSubmittedView = &view.View{
		Measure:     RecordsSubmitted,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Kind},
	}
	RecordsDeduplicatedView = &view.View{
		Measure:     RecordsDeduplicated,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Kind},
	}

	TasksClaimedView = &view.View{
		Measure:     TasksClaimed,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{ManagerName},
	}
	TasksReclaimedView = &view.View{
		Measure:     TasksReclaimed,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{ManagerName},
	}
	TaskResetsView = &view.View{
		Measure:     TaskResets,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{ErrorClass},
	}
	TaskQueueDepthView = &view.View{
		Measure:     TaskQueueDepth,
		Aggregation: queueSizeDistribution,
	}

	ResultsAcceptedView = &view.View{
		Measure:     ResultsAccepted,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{ManagerName},
	}
	ResultsRejectedView = &view.View{
		Measure:     ResultsRejected,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{ManagerName},
	}
	ResultWalltimeView = &view.View{
		Measure:     ResultWalltime,
		Aggregation: walltimeMillisecondsDistribution,
		TagKeys:     []tag.Key{Kind},
	}

	ServiceIterationsView = &view.View{
		Measure:     ServiceIterations,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Kind},
	}
	ServicesActiveView = &view.View{
		Measure:     ServicesActive,
		Aggregation: view.LastValue(),
	}

	ManagersActiveView = &view.View{
		Measure:     ManagersActive,
		Aggregation: view.LastValue(),
	}
	ManagersDeactivatedView = &view.View{
		Measure:     ManagersDeactivated,
		Aggregation: view.Sum(),
	}
)

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = func() []*view.View {
	views := []*view.View{
		InfoView,
		APIRequestDurationView,
		RecordsSubmittedView,
		RecordsDeduplicatedView,
		TasksClaimedView,
		TasksReclaimedView,
		TaskResetsView,
		TaskQueueDepthView,
		ResultsAcceptedView,
		ResultsRejectedView,
		ResultWalltimeView,
		ServiceIterationsView,
		ServicesActiveView,
		ManagersActiveView,
		ManagersDeactivatedView,
	}
	views = append(views, rpcmetrics.DefaultViews...)
	return views
}()

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}
