package sqlite

// Bookkeeping tables created on Attach. Timestamps are Unix seconds.
const (
	createSyncControl = `CREATE TABLE IF NOT EXISTS sync_control (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    datetime INTEGER NOT NULL
)`

	createQueueActions = `CREATE TABLE IF NOT EXISTS queue_actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action_type TEXT NOT NULL CHECK (action_type IN ('INSERT', 'UPDATE', 'DELETE')),
    entity TEXT NOT NULL,
    data TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('pending', 'completed')),
    datetime INTEGER NOT NULL
)`

	createEntities = `CREATE TABLE IF NOT EXISTS entities (
    name TEXT PRIMARY KEY,
    is_writable INTEGER NOT NULL,
    level INTEGER NOT NULL,
    position INTEGER NOT NULL,
    parent TEXT
)`

	createEntityAttributes = `CREATE TABLE IF NOT EXISTS entity_attributes (
    entity_name TEXT NOT NULL,
    attribute_name TEXT NOT NULL,
    type TEXT NOT NULL,
    nullable INTEGER NOT NULL,
    version INTEGER NOT NULL,
    linked_entity TEXT,
    delete_on_cascade INTEGER NOT NULL,
    options TEXT,
    position INTEGER NOT NULL,
    PRIMARY KEY (entity_name, attribute_name),
    FOREIGN KEY (entity_name) REFERENCES entities(name) ON DELETE CASCADE
)`

	createSettings = `CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`
)

// Index DDL for common queries.
const (
	idxQueueStatusTime = `CREATE INDEX IF NOT EXISTS idx_queue_actions_status_time ON queue_actions(status, datetime, id)`
	idxSyncControlType = `CREATE INDEX IF NOT EXISTS idx_sync_control_type ON sync_control(type, status)`
)

// coreDDL lists bookkeeping statements in dependency order.
var coreDDL = []string{
	createSyncControl,
	createQueueActions,
	createEntities,
	createEntityAttributes,
	createSettings,
	idxQueueStatusTime,
	idxSyncControlType,
}

// coreTables are excluded when counting entity tables.
var coreTables = map[string]bool{
	"sync_control":      true,
	"queue_actions":     true,
	"entities":          true,
	"entity_attributes": true,
	"settings":          true,
}
