package repository

// Schema definitions for the shiftwatch database.
// Compatible with both SQLite and PostgreSQL.

const schemaShifts = `
CREATE TABLE IF NOT EXISTS shifts (
    id TEXT PRIMARY KEY,
    driver_id TEXT NOT NULL,
    vehicle_id TEXT NOT NULL,
    start_time TIMESTAMP NOT NULL,
    end_time TIMESTAMP,
    km_start DOUBLE PRECISION NOT NULL,
    km_end DOUBLE PRECISION,
    status TEXT NOT NULL,
    totals TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_shifts_driver ON shifts(driver_id, start_time);
CREATE INDEX IF NOT EXISTS idx_shifts_vehicle ON shifts(vehicle_id, start_time);
CREATE INDEX IF NOT EXISTS idx_shifts_status ON shifts(status, start_time);
`

const schemaRides = `
CREATE TABLE IF NOT EXISTS rides (
    id TEXT PRIMARY KEY,
    shift_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    value DOUBLE PRECISION NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rides_shift ON rides(shift_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_rides_timestamp ON rides(timestamp);
`

const schemaExpenses = `
CREATE TABLE IF NOT EXISTS expenses (
    id TEXT PRIMARY KEY,
    shift_id TEXT NOT NULL,
    cost_type_id TEXT NOT NULL,
    value DOUBLE PRECISION NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    split INTEGER NOT NULL DEFAULT 0,
    particular INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_expenses_shift ON expenses(shift_id, timestamp);
`

// schemaHistory is the append-only change log. Rows are never updated.
const schemaHistory = `
CREATE TABLE IF NOT EXISTS shift_history (
    id TEXT PRIMARY KEY,
    entity TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    shift_id TEXT NOT NULL,
    action TEXT NOT NULL,
    actor TEXT NOT NULL,
    before_data TEXT,
    after_data TEXT,
    recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_shift ON shift_history(shift_id, entity, recorded_at);
`

// schemaFraudEvents holds one event per shift; shift_id is unique so that
// concurrent first analyses of the same shift cannot both insert.
const schemaFraudEvents = `
CREATE TABLE IF NOT EXISTS fraud_events (
    id TEXT PRIMARY KEY,
    shift_id TEXT NOT NULL UNIQUE,
    driver_id TEXT NOT NULL,
    vehicle_id TEXT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    risk_level TEXT NOT NULL,
    rules TEXT NOT NULL,
    metadata TEXT NOT NULL,
    status TEXT NOT NULL,
    review_comment TEXT NOT NULL DEFAULT '',
    reviewed_at TIMESTAMP,
    detected_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_events_status ON fraud_events(status, detected_at);
CREATE INDEX IF NOT EXISTS idx_fraud_events_driver ON fraud_events(driver_id, detected_at);
CREATE INDEX IF NOT EXISTS idx_fraud_events_level ON fraud_events(risk_level, detected_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaShifts,
		schemaRides,
		schemaExpenses,
		schemaHistory,
		schemaFraudEvents,
	}
}
