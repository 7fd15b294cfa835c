package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/build"
	"github.com/latticeproject/lattice/lib/sqlite"
)

var log = logging.Logger("store")

// specCacheSize bounds the in-memory hash -> id cache for specifications.
// Specifications are immutable, so cached entries never go stale.
const specCacheSize = 8192

// Store is the sqlite-backed persistence layer: records and their state
// machine, the task queue, service iteration state, and the manager registry
// all live here. All multi-step mutations run in a single transaction.
type Store struct {
	db    *sql.DB
	stmts preparedStatements

	specCache *lru.Cache[string, int64]
}

type preparedStatements struct {
	insertSpecification      *sql.Stmt
	getSpecificationIDByHash *sql.Stmt
	getSpecification         *sql.Stmt

	getRecordIDByDedupKey *sql.Stmt
	insertRecord          *sql.Stmt
	getRecord             *sql.Stmt
	getRecordMeta         *sql.Stmt
	getRecordContext      *sql.Stmt
	getRecordDedup        *sql.Stmt
	updateRecordStatus    *sql.Stmt
	markRecordRunning     *sql.Stmt
	finishRecord          *sql.Stmt
	updateRecordInfo      *sql.Stmt
	deleteRecord          *sql.Stmt
	countByStatus         *sql.Stmt

	insertChild *sql.Stmt
	getChildren *sql.Stmt

	insertInfoBackup    *sql.Stmt
	getLatestInfoBackup *sql.Stmt
	deleteInfoBackup    *sql.Stmt

	insertHistory *sql.Stmt
	getHistory    *sql.Stmt

	insertComment *sql.Stmt
	getComments   *sql.Stmt

	upsertOutput *sql.Stmt
	getOutput    *sql.Stmt

	bumpResetCount   *sql.Stmt
	getResetCounts   *sql.Stmt
	clearResetCounts *sql.Stmt

	countServiceDependents *sql.Stmt

	insertTask          *sql.Stmt
	insertTaskProgram   *sql.Stmt
	getTaskForRecord    *sql.Stmt
	deleteTaskForRecord *sql.Stmt
	getTaskOwner        *sql.Stmt
	claimTask           *sql.Stmt
	unclaimTask         *sql.Stmt
	releaseTasks        *sql.Stmt
	recordIDsByOwner    *sql.Stmt
	queueDepth          *sql.Stmt
	updateTaskInfo      *sql.Stmt

	insertService             *sql.Stmt
	getServiceForRecord       *sql.Stmt
	deleteServiceForRecord    *sql.Stmt
	activeServices            *sql.Stmt
	countActiveServices       *sql.Stmt
	getServiceDependencies    *sql.Stmt
	insertServiceDependency   *sql.Stmt
	deleteServiceDependencies *sql.Stmt
	updateServiceState        *sql.Stmt
	updateServiceInfo         *sql.Stmt
	unfinishedDependencies    *sql.Stmt

	insertManager       *sql.Stmt
	getManager          *sql.Stmt
	heartbeatManager    *sql.Stmt
	deactivateManager   *sql.Stmt
	deadManagers        *sql.Stmt
	countActiveManagers *sql.Stmt
}

// preparedStatementMapping maps fields of preparedStatements to the SQL they
// are prepared from, so preparation can happen in a loop.
func preparedStatementMapping(ps *preparedStatements) map[**sql.Stmt]string {
	return map[**sql.Stmt]string{
		&ps.insertSpecification:      stmtInsertSpecification,
		&ps.getSpecificationIDByHash: stmtGetSpecificationIDByHash,
		&ps.getSpecification:         stmtGetSpecification,

		&ps.getRecordIDByDedupKey: stmtGetRecordIDByDedupKey,
		&ps.insertRecord:          stmtInsertRecord,
		&ps.getRecord:             stmtGetRecord,
		&ps.getRecordMeta:         stmtGetRecordMeta,
		&ps.getRecordContext:      stmtGetRecordContext,
		&ps.getRecordDedup:        stmtGetRecordDedup,
		&ps.updateRecordStatus:    stmtUpdateRecordStatus,
		&ps.markRecordRunning:     stmtMarkRecordRunning,
		&ps.finishRecord:          stmtFinishRecord,
		&ps.updateRecordInfo:      stmtUpdateRecordInfo,
		&ps.deleteRecord:          stmtDeleteRecord,
		&ps.countByStatus:         stmtCountByStatus,

		&ps.insertChild: stmtInsertChild,
		&ps.getChildren: stmtGetChildren,

		&ps.insertInfoBackup:    stmtInsertInfoBackup,
		&ps.getLatestInfoBackup: stmtGetLatestInfoBackup,
		&ps.deleteInfoBackup:    stmtDeleteInfoBackup,

		&ps.insertHistory: stmtInsertHistory,
		&ps.getHistory:    stmtGetHistory,

		&ps.insertComment: stmtInsertComment,
		&ps.getComments:   stmtGetComments,

		&ps.upsertOutput: stmtUpsertOutput,
		&ps.getOutput:    stmtGetOutput,

		&ps.bumpResetCount:   stmtBumpResetCount,
		&ps.getResetCounts:   stmtGetResetCounts,
		&ps.clearResetCounts: stmtClearResetCounts,

		&ps.countServiceDependents: stmtCountServiceDependents,

		&ps.insertTask:          stmtInsertTask,
		&ps.insertTaskProgram:   stmtInsertTaskProgram,
		&ps.getTaskForRecord:    stmtGetTaskForRecord,
		&ps.deleteTaskForRecord: stmtDeleteTaskForRecord,
		&ps.getTaskOwner:        stmtGetTaskOwner,
		&ps.claimTask:           stmtClaimTask,
		&ps.unclaimTask:         stmtUnclaimTask,
		&ps.releaseTasks:        stmtReleaseTasks,
		&ps.recordIDsByOwner:    stmtRecordIDsByOwner,
		&ps.queueDepth:          stmtQueueDepth,
		&ps.updateTaskInfo:      stmtUpdateTaskInfo,

		&ps.insertService:             stmtInsertService,
		&ps.getServiceForRecord:       stmtGetServiceForRecord,
		&ps.deleteServiceForRecord:    stmtDeleteServiceForRecord,
		&ps.activeServices:            stmtActiveServices,
		&ps.countActiveServices:       stmtCountActiveServices,
		&ps.getServiceDependencies:    stmtGetServiceDependencies,
		&ps.insertServiceDependency:   stmtInsertServiceDependency,
		&ps.deleteServiceDependencies: stmtDeleteServiceDependencies,
		&ps.updateServiceState:        stmtUpdateServiceState,
		&ps.updateServiceInfo:         stmtUpdateServiceInfo,
		&ps.unfinishedDependencies:    stmtUnfinishedDependencies,

		&ps.insertManager:       stmtInsertManager,
		&ps.getManager:          stmtGetManager,
		&ps.heartbeatManager:    stmtHeartbeatManager,
		&ps.deactivateManager:   stmtDeactivateManager,
		&ps.deadManagers:        stmtDeadManagers,
		&ps.countActiveManagers: stmtCountActiveManagers,
	}
}

// Open opens (creating if needed) the store database at the given path and
// prepares it for use.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open lattice database: %w", err)
	}

	if err := sqlite.InitDb(ctx, "lattice", db, ddls, nil); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("failed to init lattice database: %w", err)
	}

	cache, err := lru.New[string, int64](specCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, specCache: cache}
	if err := s.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) prepareStatements() error {
	for stmtPointer, query := range preparedStatementMapping(&s.stmts) {
		var err error
		*stmtPointer, err = s.db.Prepare(query)
		if err != nil {
			return xerrors.Errorf("prepare statement [%s]: %w", query, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	var tx *sql.Tx
	tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			// A panic occurred, rollback and repanic
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			// Something went wrong, rollback
			_ = tx.Rollback()
		} else {
			// All good, commit
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return
}

// nowMillis is the single source of stored timestamps; build.Clock keeps it
// swappable in tests.
func nowMillis() int64 {
	return build.Clock.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isUniqueConstraintErr(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func marshalStringList(l []string) (string, error) {
	if l == nil {
		l = []string{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return "", xerrors.Errorf("marshaling string list: %w", err)
	}
	return string(b), nil
}

func unmarshalStringList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var l []string
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		return nil, xerrors.Errorf("unmarshaling string list: %w", err)
	}
	return l, nil
}

// nullableBlob maps empty JSON documents to NULL so the database does not
// accumulate zero-length blobs.
func nullableBlob(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
