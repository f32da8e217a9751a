package store

import (
	"database/sql"
	"time"
)

// AlertRecord is the persisted form of an alert.
type AlertRecord struct {
	ID            string
	CreatedAt     time.Time
	IntrusionType string
	Confidence    float64
	BBox          [4]float64
	SnapshotPath  string
}

// AlertRepo provides CRUD operations for alert records.
type AlertRepo struct {
	db *sql.DB
}

// Alerts returns the alert repository for this store.
func (s *Store) Alerts() *AlertRepo {
	return &AlertRepo{db: s.db}
}

// Insert persists a new alert record.
func (r *AlertRepo) Insert(a *AlertRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO alerts (id, created_at, intrusion_type, confidence, x_min, y_min, x_max, y_max, snapshot_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CreatedAt, a.IntrusionType, a.Confidence,
		a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3], a.SnapshotPath,
	)
	return err
}

// Delete removes one alert by id. Returns ErrNotFound if no row matched.
func (r *AlertRepo) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAll removes every alert and returns the number removed.
func (r *AlertRepo) DeleteAll() (int, error) {
	res, err := r.db.Exec(`DELETE FROM alerts`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeleteOlderThan prunes alerts beyond the retention cap, keeping the
// most recent `keep` records.
func (r *AlertRepo) DeleteOlderThan(keep int) error {
	_, err := r.db.Exec(
		`DELETE FROM alerts WHERE id NOT IN (
			SELECT id FROM alerts ORDER BY created_at DESC LIMIT ?
		)`, keep)
	return err
}

// List returns all alerts, most recent first. Used to rebuild the
// in-memory alert state at startup.
func (r *AlertRepo) List() ([]*AlertRecord, error) {
	rows, err := r.db.Query(
		`SELECT id, created_at, intrusion_type, confidence, x_min, y_min, x_max, y_max, snapshot_path
		 FROM alerts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*AlertRecord
	for rows.Next() {
		a := &AlertRecord{}
		if err := rows.Scan(&a.ID, &a.CreatedAt, &a.IntrusionType, &a.Confidence,
			&a.BBox[0], &a.BBox[1], &a.BBox[2], &a.BBox[3], &a.SnapshotPath); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
