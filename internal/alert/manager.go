// Package alert converts classified detections into deduplicated,
// persisted alert records and running counters.
package alert

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adikhanal/vigil/internal/detector"
	"github.com/adikhanal/vigil/internal/store"
)

// Alert is one recorded intrusion. Immutable once created.
type Alert struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"timestamp"`
	Type         detector.Class `json:"intrusion_type"`
	Confidence   float64        `json:"confidence"`
	BBox         [4]float64     `json:"bbox"`
	SnapshotPath string         `json:"snapshot_path,omitempty"`
}

// Stats are running alert counters, maintained incrementally.
type Stats struct {
	TotalAlerts  int            `json:"total_alerts"`
	AlertsByType map[string]int `json:"alerts_by_type"`
	LastAlert    *time.Time     `json:"last_alert"`
}

// Manager owns the alert store. Creation happens on the pipeline's
// processing cycle; reads and deletes arrive concurrently from request
// handlers. In-memory state is authoritative; sqlite persistence is
// applied write-behind by a single writer goroutine so recording never
// waits on disk.
type Manager struct {
	mu          sync.RWMutex
	alerts      []*Alert // most recent first
	byType      map[string]int
	lastByClass map[detector.Class]time.Time
	lastAlert   time.Time
	maxStored   int

	repo *store.AlertRepo
	ops  chan dbOp
	done chan struct{}
}

type opKind int

const (
	opInsert opKind = iota
	opDelete
	opClear
	opPrune
)

func (k opKind) String() string {
	switch k {
	case opInsert:
		return "insert"
	case opDelete:
		return "delete"
	case opClear:
		return "clear"
	case opPrune:
		return "prune"
	}
	return "unknown"
}

type dbOp struct {
	kind   opKind
	record *store.AlertRecord
	id     string
	keep   int
}

// persistQueueSize bounds the write-behind queue. Inserts beyond it are
// dropped from persistence (and logged), never blocking the pipeline.
const persistQueueSize = 256

// NewManager creates a manager backed by the given repository. A nil repo
// keeps everything in memory only. Existing history is loaded so alert
// records survive restarts.
func NewManager(repo *store.AlertRepo, maxStored int) (*Manager, error) {
	m := &Manager{
		byType:      make(map[string]int),
		lastByClass: make(map[detector.Class]time.Time),
		maxStored:   maxStored,
		repo:        repo,
	}

	if repo != nil {
		records, err := repo.List()
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			a := &Alert{
				ID:           r.ID,
				CreatedAt:    r.CreatedAt,
				Type:         detector.Class(r.IntrusionType),
				Confidence:   r.Confidence,
				BBox:         r.BBox,
				SnapshotPath: r.SnapshotPath,
			}
			m.alerts = append(m.alerts, a)
			m.byType[string(a.Type)]++
			// Records are newest first; the first sighting of a class
			// seeds its cooldown so restarts do not reset suppression.
			if _, ok := m.lastByClass[a.Type]; !ok {
				m.lastByClass[a.Type] = a.CreatedAt
			}
		}
		if len(m.alerts) > 0 {
			m.lastAlert = m.alerts[0].CreatedAt
		}

		m.ops = make(chan dbOp, persistQueueSize)
		m.done = make(chan struct{})
		go m.runWriter()
	}

	return m, nil
}

// Close flushes pending persistence operations and stops the writer.
func (m *Manager) Close() {
	if m.ops == nil {
		return
	}
	close(m.ops)
	<-m.done
}

// runWriter applies persistence operations in submission order.
func (m *Manager) runWriter() {
	defer close(m.done)
	for op := range m.ops {
		var err error
		switch op.kind {
		case opInsert:
			err = m.repo.Insert(op.record)
		case opDelete:
			err = m.repo.Delete(op.id)
		case opClear:
			_, err = m.repo.DeleteAll()
		case opPrune:
			err = m.repo.DeleteOlderThan(op.keep)
		}
		if err != nil {
			log.Printf("Alert persistence error: %v", err)
		}
	}
}

// enqueue submits a persistence op. Inserts and prunes are best-effort:
// when the queue is full they are dropped with a log line rather than
// stalling the caller. Deletes come from request handlers and may wait.
func (m *Manager) enqueue(op dbOp, blocking bool) {
	if m.ops == nil {
		return
	}
	if blocking {
		m.ops <- op
		return
	}
	select {
	case m.ops <- op:
	default:
		log.Printf("Alert persistence queue full, dropping %v op", op.kind)
	}
}

// Record creates an alert for an in-scope detection, unless the per-class
// cooldown since the previous alert of the same class has not elapsed.
// snapshotPath is where the caller will save the annotated frame image;
// it is stored only when the alert is actually created, and may be empty
// when image saving is off. Returns nil when the detection is out of
// scope or suppressed.
func (m *Manager) Record(d detector.Detection, at time.Time, cooldown time.Duration, snapshotPath string) *Alert {
	if !d.InPerimeter {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastByClass[d.Class]; ok && at.Sub(last) < cooldown {
		return nil
	}

	// Alert timestamps are monotonically non-decreasing across cycles.
	if at.Before(m.lastAlert) {
		at = m.lastAlert
	}

	a := &Alert{
		ID:           uuid.NewString(),
		CreatedAt:    at,
		Type:         d.Class,
		Confidence:   d.Confidence,
		BBox:         d.BBox,
		SnapshotPath: snapshotPath,
	}

	m.alerts = append([]*Alert{a}, m.alerts...)
	m.byType[string(a.Type)]++
	m.lastByClass[a.Type] = at
	m.lastAlert = at

	m.enqueue(dbOp{kind: opInsert, record: &store.AlertRecord{
		ID:            a.ID,
		CreatedAt:     a.CreatedAt,
		IntrusionType: string(a.Type),
		Confidence:    a.Confidence,
		BBox:          a.BBox,
		SnapshotPath:  a.SnapshotPath,
	}}, false)

	// Retention cap: drop the oldest beyond maxStored.
	if m.maxStored > 0 && len(m.alerts) > m.maxStored {
		for _, old := range m.alerts[m.maxStored:] {
			m.byType[string(old.Type)]--
			if m.byType[string(old.Type)] <= 0 {
				delete(m.byType, string(old.Type))
			}
		}
		m.alerts = m.alerts[:m.maxStored]
		m.enqueue(dbOp{kind: opPrune, keep: m.maxStored}, false)
	}

	return a
}

// List returns alerts most recent first, sliced by limit and offset.
// A limit of 0 means no limit.
func (m *Manager) List(limit, offset int) []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(m.alerts) {
		return []*Alert{}
	}
	end := len(m.alerts)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]*Alert, end-offset)
	copy(out, m.alerts[offset:end])
	return out
}

// Get returns the alert with the given id, or store.ErrNotFound.
func (m *Manager) Get(id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.alerts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}

// Delete removes one alert by id. The persistence op is enqueued after
// the lock is released, so a backed-up queue stalls only this caller and
// never blocks Record behind the lock.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	found := false
	for i, a := range m.alerts {
		if a.ID != id {
			continue
		}
		m.alerts = append(m.alerts[:i], m.alerts[i+1:]...)
		m.byType[string(a.Type)]--
		if m.byType[string(a.Type)] <= 0 {
			delete(m.byType, string(a.Type))
		}
		if len(m.alerts) > 0 {
			m.lastAlert = m.alerts[0].CreatedAt
		} else {
			m.lastAlert = time.Time{}
		}
		found = true
		break
	}
	m.mu.Unlock()

	if !found {
		return store.ErrNotFound
	}
	m.enqueue(dbOp{kind: opDelete, id: id}, true)
	return nil
}

// DeleteAll removes every alert and returns the number removed.
func (m *Manager) DeleteAll() int {
	m.mu.Lock()
	n := len(m.alerts)
	m.alerts = nil
	m.byType = make(map[string]int)
	m.lastAlert = time.Time{}
	m.mu.Unlock()

	m.enqueue(dbOp{kind: opClear}, true)
	return n
}

// Stats returns the running counters. O(1) over the incremental state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType := make(map[string]int, len(m.byType))
	for k, v := range m.byType {
		byType[k] = v
	}

	s := Stats{
		TotalAlerts:  len(m.alerts),
		AlertsByType: byType,
	}
	if !m.lastAlert.IsZero() {
		t := m.lastAlert
		s.LastAlert = &t
	}
	return s
}
