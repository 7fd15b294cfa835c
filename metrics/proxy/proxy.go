package proxy

import (
	"context"
	"reflect"

	"go.opencensus.io/tag"

	"github.com/latticeproject/lattice/api"
	"github.com/latticeproject/lattice/metrics"
)

// MetricedAPI wraps an API implementation in a proxy struct where every method
// records its call duration, tagged with the method name.
func MetricedAPI[T, P any](a T) *P {
	out := new(P)
	proxy(a, out)
	return out
}

func proxy(in interface{}, outstr interface{}) {
	outs := api.GetInternalStructs(outstr)
	for _, out := range outs {
		rint := reflect.ValueOf(out).Elem()
		ra := reflect.ValueOf(in)

		for f := 0; f < rint.NumField(); f++ {
			field := rint.Type().Field(f)
			fn := ra.MethodByName(field.Name)

			rint.Field(f).Set(reflect.MakeFunc(field.Type, func(args []reflect.Value) (results []reflect.Value) {
				ctx := args[0].Interface().(context.Context)
				// upsert function name into context
				ctx, _ = tag.New(ctx, tag.Upsert(metrics.Endpoint, field.Name))
				stop := metrics.Timer(ctx, metrics.APIRequestDuration)
				defer stop()

				// pass tagged ctx back into function call
				args[0] = reflect.ValueOf(ctx)
				return fn.Call(args)
			}))
		}
	}
}
