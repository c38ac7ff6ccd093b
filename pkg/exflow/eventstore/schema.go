package eventstore

// schema is applied on open. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		exception_id TEXT NOT NULL,
		partition_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		payload BLOB NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_exception
		ON events(tenant_id, exception_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_tenant
		ON events(tenant_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_partition
		ON events(partition_id, seq)`,
	`CREATE TABLE IF NOT EXISTS exceptions (
		tenant_id TEXT NOT NULL,
		exception_id TEXT NOT NULL,
		status TEXT NOT NULL,
		domain TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (tenant_id, exception_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_exceptions_tenant
		ON exceptions(tenant_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT NOT NULL,
		consumer_group TEXT NOT NULL,
		processed_at TEXT NOT NULL,
		PRIMARY KEY (event_id, consumer_group)
	)`,
	`CREATE TABLE IF NOT EXISTS consumer_offsets (
		consumer_group TEXT NOT NULL,
		partition_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (consumer_group, partition_id)
	)`,
	`CREATE TABLE IF NOT EXISTS partition_leases (
		consumer_group TEXT NOT NULL,
		partition_id INTEGER NOT NULL,
		owner TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (consumer_group, partition_id)
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		event_id TEXT NOT NULL,
		consumer_group TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		exception_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		envelope BLOB NOT NULL,
		error TEXT NOT NULL,
		category TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (event_id, consumer_group)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_status
		ON dead_letters(status, created_at)`,
}
