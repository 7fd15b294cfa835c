package store

// DbFilename is the name of the database file under the repo directory.
const DbFilename = "lattice.db"

// All timestamps are stored as INTEGER milliseconds since the Unix epoch,
// always UTC. Priorities are stored as their integer value so the claim
// ordering can happen in SQL.
var ddls = []string{
	`CREATE TABLE IF NOT EXISTS specifications (
		id INTEGER PRIMARY KEY,
		hash TEXT NOT NULL UNIQUE,
		program TEXT NOT NULL,
		driver TEXT NOT NULL,
		method TEXT NOT NULL,
		basis TEXT NOT NULL,
		keywords BLOB,
		protocols BLOB,
		created_at INTEGER NOT NULL
	)`,

	// dedup_key is NULL for records submitted with find_existing=false;
	// sqlite treats NULLs as distinct in UNIQUE indexes, so forced-new
	// records never collide with each other or with deduplicated ones.
	`CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY,
		kind TEXT NOT NULL,
		spec_id INTEGER NOT NULL REFERENCES specifications (id),
		context BLOB,
		dedup_key TEXT UNIQUE,
		status TEXT NOT NULL,
		tag TEXT NOT NULL,
		priority INTEGER NOT NULL,
		manager TEXT NOT NULL DEFAULT '',
		properties BLOB,
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS record_status_index ON records (status)`,
	`CREATE INDEX IF NOT EXISTS record_kind_index ON records (kind)`,

	`CREATE TABLE IF NOT EXISTS record_children (
		parent_id INTEGER NOT NULL REFERENCES records (id) ON DELETE CASCADE,
		child_id INTEGER NOT NULL REFERENCES records (id) ON DELETE CASCADE,
		PRIMARY KEY (parent_id, child_id)
	)`,
	`CREATE INDEX IF NOT EXISTS record_children_child_index ON record_children (child_id)`,

	// A task row exists only while its record is waiting or running. owner
	// is the lease: NULL rows are claimable, the rest belong to a manager.
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY,
		record_id INTEGER NOT NULL UNIQUE REFERENCES records (id) ON DELETE CASCADE,
		tag TEXT NOT NULL,
		priority INTEGER NOT NULL,
		function TEXT NOT NULL,
		args BLOB,
		args_compression TEXT NOT NULL,
		required_programs TEXT NOT NULL,
		owner TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS task_queue_index ON tasks (tag, priority DESC, created_at, id) WHERE owner IS NULL`,
	`CREATE INDEX IF NOT EXISTS task_owner_index ON tasks (owner)`,

	// task_programs mirrors the required_programs list one row per program,
	// so capability-subset matching can happen inside the claim query.
	`CREATE TABLE IF NOT EXISTS task_programs (
		task_id INTEGER NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
		program TEXT NOT NULL,
		PRIMARY KEY (task_id, program)
	)`,

	// A service row exists only while its record is waiting or running.
	// state_version increments on every iteration commit; writers must
	// present the version they read.
	`CREATE TABLE IF NOT EXISTS services (
		id INTEGER PRIMARY KEY,
		record_id INTEGER NOT NULL UNIQUE REFERENCES records (id) ON DELETE CASCADE,
		tag TEXT NOT NULL,
		priority INTEGER NOT NULL,
		find_existing INTEGER NOT NULL,
		state BLOB,
		state_version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS service_order_index ON services (priority DESC, created_at, id)`,

	`CREATE TABLE IF NOT EXISTS service_dependencies (
		service_id INTEGER NOT NULL REFERENCES services (id) ON DELETE CASCADE,
		record_id INTEGER NOT NULL REFERENCES records (id) ON DELETE CASCADE,
		extras BLOB,
		PRIMARY KEY (service_id, record_id)
	)`,
	`CREATE INDEX IF NOT EXISTS service_dependency_record_index ON service_dependencies (record_id)`,

	`CREATE TABLE IF NOT EXISTS managers (
		name TEXT PRIMARY KEY,
		cluster TEXT NOT NULL,
		hostname TEXT NOT NULL,
		tags TEXT NOT NULL,
		programs TEXT NOT NULL,
		status TEXT NOT NULL,
		claimed INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		rejected INTEGER NOT NULL DEFAULT 0,
		total_walltime REAL NOT NULL DEFAULT 0,
		active_tasks INTEGER NOT NULL DEFAULT 0,
		active_cores INTEGER NOT NULL DEFAULT 0,
		active_memory REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS manager_heartbeat_index ON managers (status, last_heartbeat)`,

	`CREATE TABLE IF NOT EXISTS record_info_backups (
		id INTEGER PRIMARY KEY,
		record_id INTEGER NOT NULL REFERENCES records (id) ON DELETE CASCADE,
		old_status TEXT NOT NULL,
		old_tag TEXT NOT NULL,
		old_priority INTEGER NOT NULL,
		modified_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS record_info_backup_record_index ON record_info_backups (record_id, id)`,

	`CREATE TABLE IF NOT EXISTS record_history (
		id INTEGER PRIMARY KEY,
		record_id INTEGER NOT NULL REFERENCES records (id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		manager TEXT NOT NULL DEFAULT '',
		walltime REAL NOT NULL DEFAULT 0,
		modified_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS record_history_record_index ON record_history (record_id)`,

	`CREATE TABLE IF NOT EXISTS record_comments (
		id INTEGER PRIMARY KEY,
		record_id INTEGER NOT NULL REFERENCES records (id) ON DELETE CASCADE,
		username TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS record_comment_record_index ON record_comments (record_id)`,

	`CREATE TABLE IF NOT EXISTS record_outputs (
		id INTEGER PRIMARY KEY,
		record_id INTEGER NOT NULL REFERENCES records (id) ON DELETE CASCADE,
		output_type TEXT NOT NULL,
		compression TEXT NOT NULL,
		data BLOB,
		UNIQUE (record_id, output_type)
	)`,

	`CREATE TABLE IF NOT EXISTS record_reset_counts (
		record_id INTEGER NOT NULL REFERENCES records (id) ON DELETE CASCADE,
		error_class TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (record_id, error_class)
	)`,
}

const (
	// specifications
	stmtInsertSpecification = `INSERT INTO specifications (hash, program, driver, method, basis, keywords, protocols, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (hash) DO NOTHING`
	stmtGetSpecificationIDByHash = `SELECT id FROM specifications WHERE hash = ?`
	stmtGetSpecification         = `SELECT id, program, driver, method, basis, keywords, protocols FROM specifications WHERE id = ?`

	// records
	stmtGetRecordIDByDedupKey = `SELECT id FROM records WHERE dedup_key = ?`
	stmtInsertRecord          = `INSERT INTO records (kind, spec_id, context, dedup_key, status, tag, priority, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmtGetRecord = `SELECT id, kind, spec_id, status, tag, priority, manager, properties, created_at, modified_at
		FROM records WHERE id = ?`
	stmtGetRecordMeta      = `SELECT kind, status, tag, priority FROM records WHERE id = ?`
	stmtGetRecordContext   = `SELECT context FROM records WHERE id = ?`
	stmtGetRecordDedup     = `SELECT dedup_key IS NOT NULL FROM records WHERE id = ?`
	stmtUpdateRecordStatus = `UPDATE records SET status = ?, modified_at = ? WHERE id = ?`
	stmtMarkRecordRunning  = `UPDATE records SET status = 'running', manager = ?, modified_at = ? WHERE id = ? AND status = 'waiting'`
	stmtFinishRecord       = `UPDATE records SET status = ?, manager = ?, properties = ?, modified_at = ? WHERE id = ?`
	stmtUpdateRecordInfo   = `UPDATE records SET tag = ?, priority = ?, modified_at = ? WHERE id = ?`
	stmtDeleteRecord       = `DELETE FROM records WHERE id = ?`
	stmtCountByStatus      = `SELECT status, COUNT(*) FROM records GROUP BY status`

	stmtInsertChild = `INSERT OR IGNORE INTO record_children (parent_id, child_id) VALUES (?, ?)`
	stmtGetChildren = `SELECT child_id FROM record_children WHERE parent_id = ? ORDER BY child_id ASC`

	stmtInsertInfoBackup    = `INSERT INTO record_info_backups (record_id, old_status, old_tag, old_priority, modified_at) VALUES (?, ?, ?, ?, ?)`
	stmtGetLatestInfoBackup = `SELECT id, old_status, old_tag, old_priority, modified_at FROM record_info_backups
		WHERE record_id = ? ORDER BY id DESC LIMIT 1`
	stmtDeleteInfoBackup = `DELETE FROM record_info_backups WHERE id = ?`

	stmtInsertHistory = `INSERT INTO record_history (record_id, status, manager, walltime, modified_at) VALUES (?, ?, ?, ?, ?)`
	stmtGetHistory    = `SELECT id, record_id, status, manager, walltime, modified_at FROM record_history WHERE record_id = ? ORDER BY id ASC`

	stmtInsertComment = `INSERT INTO record_comments (record_id, username, comment, created_at) VALUES (?, ?, ?, ?)`
	stmtGetComments   = `SELECT id, record_id, username, comment, created_at FROM record_comments WHERE record_id = ? ORDER BY id ASC`

	stmtUpsertOutput = `INSERT INTO record_outputs (record_id, output_type, compression, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (record_id, output_type) DO UPDATE SET compression = excluded.compression, data = excluded.data`
	stmtGetOutput = `SELECT compression, data FROM record_outputs WHERE record_id = ? AND output_type = ?`

	stmtBumpResetCount = `INSERT INTO record_reset_counts (record_id, error_class, count) VALUES (?, ?, 1)
		ON CONFLICT (record_id, error_class) DO UPDATE SET count = count + 1`
	stmtGetResetCounts   = `SELECT error_class, count FROM record_reset_counts WHERE record_id = ?`
	stmtClearResetCounts = `DELETE FROM record_reset_counts WHERE record_id = ?`

	stmtCountServiceDependents = `SELECT COUNT(*) FROM service_dependencies WHERE record_id = ?`

	// tasks
	stmtInsertTask = `INSERT INTO tasks (record_id, tag, priority, function, args, args_compression, required_programs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmtInsertTaskProgram = `INSERT OR IGNORE INTO task_programs (task_id, program) VALUES (?, ?)`
	stmtGetTaskForRecord  = `SELECT id, record_id, tag, priority, function, args, args_compression, required_programs, owner, created_at
		FROM tasks WHERE record_id = ?`
	stmtDeleteTaskForRecord = `DELETE FROM tasks WHERE record_id = ?`
	stmtGetTaskOwner        = `SELECT owner FROM tasks WHERE record_id = ?`
	stmtClaimTask           = `UPDATE tasks SET owner = ? WHERE id = ? AND owner IS NULL`
	stmtUnclaimTask         = `UPDATE tasks SET owner = NULL WHERE id = ?`
	stmtReleaseTasks        = `UPDATE tasks SET owner = NULL WHERE owner = ?`
	stmtRecordIDsByOwner    = `SELECT record_id FROM tasks WHERE owner = ?`
	stmtQueueDepth          = `SELECT COUNT(*) FROM tasks WHERE owner IS NULL`
	stmtUpdateTaskInfo      = `UPDATE tasks SET tag = ?, priority = ? WHERE record_id = ?`

	// services
	stmtInsertService = `INSERT INTO services (record_id, tag, priority, find_existing, state, state_version, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`
	stmtGetServiceForRecord = `SELECT id, record_id, tag, priority, find_existing, state, state_version, created_at
		FROM services WHERE record_id = ?`
	stmtDeleteServiceForRecord = `DELETE FROM services WHERE record_id = ?`
	stmtActiveServices         = `SELECT s.id, s.record_id, s.tag, s.priority, s.find_existing, s.state, s.state_version, s.created_at,
		r.kind, r.status, r.spec_id, r.context
		FROM services s INNER JOIN records r ON r.id = s.record_id
		WHERE r.status IN ('waiting', 'running')
		ORDER BY s.priority DESC, s.created_at ASC, s.id ASC
		LIMIT ?`
	stmtCountActiveServices = `SELECT COUNT(*) FROM services s INNER JOIN records r ON r.id = s.record_id
		WHERE r.status IN ('waiting', 'running')`
	stmtGetServiceDependencies = `SELECT d.record_id, d.extras, r.status, r.properties
		FROM service_dependencies d INNER JOIN records r ON r.id = d.record_id
		WHERE d.service_id = ? ORDER BY d.rowid ASC`
	stmtInsertServiceDependency   = `INSERT OR IGNORE INTO service_dependencies (service_id, record_id, extras) VALUES (?, ?, ?)`
	stmtDeleteServiceDependencies = `DELETE FROM service_dependencies WHERE service_id = ?`
	stmtUpdateServiceState        = `UPDATE services SET state = ?, state_version = state_version + 1 WHERE id = ? AND state_version = ?`
	stmtUpdateServiceInfo         = `UPDATE services SET tag = ?, priority = ? WHERE record_id = ?`
	stmtUnfinishedDependencies    = `SELECT d.record_id
		FROM services s
		INNER JOIN service_dependencies d ON d.service_id = s.id
		INNER JOIN records r ON r.id = d.record_id
		WHERE s.record_id = ? AND r.status IN ('waiting', 'running')`

	// managers
	stmtInsertManager = `INSERT INTO managers (name, cluster, hostname, tags, programs, status, created_at, modified_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmtGetManager = `SELECT name, cluster, hostname, tags, programs, status, claimed, successes, failures, rejected,
		total_walltime, active_tasks, active_cores, active_memory, created_at, modified_at, last_heartbeat
		FROM managers WHERE name = ?`
	stmtHeartbeatManager = `UPDATE managers SET last_heartbeat = ?, modified_at = ?,
		claimed = claimed + ?, successes = successes + ?, failures = failures + ?, rejected = rejected + ?,
		total_walltime = total_walltime + ?, active_tasks = ?, active_cores = ?, active_memory = ?
		WHERE name = ? AND status = 'active'`
	stmtDeactivateManager = `UPDATE managers SET status = 'inactive', active_tasks = 0, active_cores = 0, active_memory = 0, modified_at = ?
		WHERE name = ? AND status = 'active'`
	stmtDeadManagers        = `SELECT name FROM managers WHERE status = 'active' AND last_heartbeat < ?`
	stmtCountActiveManagers = `SELECT COUNT(*) FROM managers WHERE status = 'active'`
)
