package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Alerts table - one row per recorded intrusion
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			intrusion_type TEXT NOT NULL,
			confidence REAL NOT NULL,
			x_min REAL NOT NULL,
			y_min REAL NOT NULL,
			x_max REAL NOT NULL,
			y_max REAL NOT NULL,
			snapshot_path TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}
	return nil
}
