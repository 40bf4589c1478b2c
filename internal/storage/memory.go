package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"studiobot/internal/reminder"
)

// memoryStore keeps jobs and notifications in process memory. A single mutex
// per store makes every operation linearizable.
type memoryStore struct {
	jobs  *memoryJobs
	notes *memoryLedger
}

func openMemory() *memoryStore {
	return &memoryStore{
		jobs:  &memoryJobs{byID: map[string]reminder.Job{}},
		notes: &memoryLedger{byID: map[string]reminder.Notification{}},
	}
}

func (s *memoryStore) Jobs() JobStore        { return s.jobs }
func (s *memoryStore) Notifications() Ledger { return s.notes }
func (s *memoryStore) Driver() string        { return "memory" }
func (s *memoryStore) Close() error          { return nil }

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return openMemory() }

type memoryJobs struct {
	mu   sync.Mutex
	byID map[string]reminder.Job
	seq  int64
}

func (m *memoryJobs) Put(_ context.Context, job reminder.Job) (PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[job.ID]
	switch {
	case !ok:
		m.seq++
		job.Seq = m.seq
		job.Status = reminder.JobScheduled
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now()
		}
		job.LastFiredAt = time.Time{}
		m.byID[job.ID] = job
		return PutInserted, nil
	case cur.Status != reminder.JobScheduled && !cur.IsSweep():
		return PutKept, nil
	default:
		cur.Kind = job.Kind
		cur.Sweep = job.Sweep
		cur.Cadence = job.Cadence
		cur.Payload = job.Payload
		cur.FireAt = job.FireAt
		cur.Status = reminder.JobScheduled
		m.byID[job.ID] = cur
		return PutReplaced, nil
	}
}

func (m *memoryJobs) Cancel(_ context.Context, id string) (CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[id]
	if !ok {
		return CancelNotFound, nil
	}
	switch cur.Status {
	case reminder.JobFired:
		return CancelFired, nil
	case reminder.JobCancelled:
		return CancelAlready, nil
	}
	cur.Status = reminder.JobCancelled
	m.byID[id] = cur
	return CancelOK, nil
}

func (m *memoryJobs) Unclaim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[id]
	if !ok || cur.Status != reminder.JobFired {
		return false, nil
	}
	cur.Status = reminder.JobScheduled
	m.byID[id] = cur
	return true, nil
}

func (m *memoryJobs) ClaimDue(_ context.Context, now time.Time, limits ClaimLimits) ([]reminder.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]reminder.Job, 0)
	for _, j := range m.byID {
		if j.Due(now) && limits[j.Kind] > 0 {
			due = append(due, j)
		}
	}
	sortJobs(due)

	taken := map[reminder.Kind]int{}
	out := make([]reminder.Job, 0, len(due))
	for _, j := range due {
		if taken[j.Kind] >= limits[j.Kind] {
			continue
		}
		taken[j.Kind]++
		j.Status = reminder.JobFired
		j.LastFiredAt = now
		m.byID[j.ID] = j
		out = append(out, j)
	}
	return out, nil
}

func (m *memoryJobs) Get(_ context.Context, id string) (reminder.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	if !ok {
		return reminder.Job{}, ErrNotFound
	}
	return j, nil
}

func (m *memoryJobs) List(_ context.Context, f JobFilter) ([]reminder.Job, error) {
	m.mu.Lock()
	out := make([]reminder.Job, 0, len(m.byID))
	for _, j := range m.byID {
		if f.match(j) {
			out = append(out, j)
		}
	}
	m.mu.Unlock()

	sortJobs(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortJobs(js []reminder.Job) {
	sort.Slice(js, func(i, k int) bool {
		if !js[i].FireAt.Equal(js[k].FireAt) {
			return js[i].FireAt.Before(js[k].FireAt)
		}
		return js[i].Seq < js[k].Seq
	})
}

type memoryLedger struct {
	mu   sync.Mutex
	byID map[string]reminder.Notification
}

func (m *memoryLedger) Create(_ context.Context, n reminder.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[n.ID]; ok {
		return ErrConflict
	}
	m.byID[n.ID] = n
	return nil
}

func (m *memoryLedger) Get(_ context.Context, id string) (reminder.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return reminder.Notification{}, ErrNotFound
	}
	return n, nil
}

func (m *memoryLedger) List(_ context.Context, f NotificationFilter) ([]reminder.Notification, error) {
	m.mu.Lock()
	out := make([]reminder.Notification, 0)
	for _, n := range m.byID {
		if f.match(n) {
			out = append(out, n)
		}
	}
	m.mu.Unlock()

	sortNotifications(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memoryLedger) Acquire(_ context.Context, id string, now time.Time, lease time.Duration) (reminder.Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byID[id]
	if !ok {
		return reminder.Notification{}, false, ErrNotFound
	}
	if !acquirable(n, now) {
		return n, false, nil
	}
	n.State = reminder.StatePending
	n.LeaseUntil = now.Add(lease)
	n.UpdatedAt = now
	m.byID[id] = n
	return n, true, nil
}

func (m *memoryLedger) Record(_ context.Context, id string, o reminder.Outcome, maxAttempts int) (reminder.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byID[id]
	if !ok {
		return reminder.Notification{}, ErrNotFound
	}
	if n.State != reminder.StatePending {
		return n, ErrConflict
	}
	n = n.Apply(o, maxAttempts)
	m.byID[id] = n
	return n, nil
}

func (m *memoryLedger) Release(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if n.State != reminder.StatePending {
		return nil
	}
	n.LeaseUntil = time.Time{}
	n.UpdatedAt = at
	m.byID[id] = n
	return nil
}

func (m *memoryLedger) RetryCandidates(_ context.Context, q RetryQuery) ([]reminder.Notification, error) {
	m.mu.Lock()
	out := make([]reminder.Notification, 0)
	for _, n := range m.byID {
		if q.eligible(n) {
			out = append(out, n)
		}
	}
	m.mu.Unlock()

	sortNotifications(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memoryLedger) Stats(_ context.Context, since time.Time) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Since: since, ByState: map[reminder.State]int{}}
	for _, n := range m.byID {
		if n.CreatedAt.Before(since) {
			continue
		}
		st.ByState[n.State]++
		st.Total++
		if n.Attempts > 1 {
			st.Retried++
		}
	}
	return st, nil
}

func acquirable(n reminder.Notification, now time.Time) bool {
	switch n.State {
	case reminder.StateFailed:
		return true
	case reminder.StatePending:
		return !n.Leased(now)
	}
	return false
}

func sortNotifications(ns []reminder.Notification) {
	sort.Slice(ns, func(i, k int) bool {
		if !ns[i].CreatedAt.Equal(ns[k].CreatedAt) {
			return ns[i].CreatedAt.Before(ns[k].CreatedAt)
		}
		return ns[i].ID < ns[k].ID
	})
}
