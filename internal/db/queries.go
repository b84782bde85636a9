package db

const (
	CreateMigrationsTable = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`

	ListAppliedMigrations = `SELECT version FROM schema_migrations`

	RecordMigration = `INSERT INTO schema_migrations (version) VALUES (?)`
)

const (
	InsertJob = `
		INSERT INTO jobs (id, code, server_job_id, backend_handle, state, message, color_mode, duplex, copies, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	FinishJob = `
		UPDATE jobs SET state = ?, message = ?, finished_at = ?
		WHERE id = ?
	`

	GetJobByID = `
		SELECT id, code, server_job_id, backend_handle, state, message, color_mode, duplex, copies, submitted_at, finished_at
		FROM jobs WHERE id = ?
	`

	ListJobs = `
		SELECT id, code, server_job_id, backend_handle, state, message, color_mode, duplex, copies, submitted_at, finished_at
		FROM jobs ORDER BY submitted_at DESC LIMIT ? OFFSET ?
	`

	CountJobsByState = `SELECT state, COUNT(*) FROM jobs GROUP BY state`

	DeleteJobsBefore = `DELETE FROM jobs WHERE submitted_at < ? AND finished_at IS NOT NULL`
)

const (
	GetSetting = `SELECT value, updated_at FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`
)
