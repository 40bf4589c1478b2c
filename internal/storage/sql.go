package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"studiobot/internal/reminder"
	logx "studiobot/pkg/logx"
)

// dialect captures the few places where SQLite and PostgreSQL differ. Queries
// are written with '?' placeholders and rebound per dialect.
type dialect struct {
	name      string
	numbered  bool   // $1, $2, ... placeholders
	nextSeq   string // expression yielding the next insertion sequence
	forUpdate string // row lock suffix inside transactions
}

var (
	sqliteDialect = dialect{
		name:    "sqlite",
		nextSeq: "(SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs)",
	}
	postgresDialect = dialect{
		name:      "postgres",
		numbered:  true,
		nextSeq:   "nextval('jobs_seq')",
		forUpdate: " FOR UPDATE",
	}
)

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store on database/sql. Timestamps are stored as unix
// milliseconds (0 for unset) so both dialects share one schema shape.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func (s *sqlStore) Jobs() JobStore        { return sqlJobs{s} }
func (s *sqlStore) Notifications() Ledger { return sqlLedger{s} }
func (s *sqlStore) Driver() string        { return s.d.name }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

// ---- jobs ----

type sqlJobs struct{ s *sqlStore }

const jobColumns = `id, kind, sweep, cadence, payload, fire_at, status, created_at, last_fired_at, seq`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(r rowScanner) (reminder.Job, error) {
	var (
		j                           reminder.Job
		kind, status, payload       string
		fireAt, createdAt, lastFire int64
	)
	if err := r.Scan(&j.ID, &kind, &j.Sweep, &j.Cadence, &payload, &fireAt, &status, &createdAt, &lastFire, &j.Seq); err != nil {
		return reminder.Job{}, err
	}
	j.Kind = reminder.Kind(kind)
	j.Status = reminder.JobStatus(status)
	j.FireAt = fromMS(fireAt)
	j.CreatedAt = fromMS(createdAt)
	j.LastFiredAt = fromMS(lastFire)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
			return reminder.Job{}, fmt.Errorf("job %s payload: %w", j.ID, err)
		}
	}
	return j, nil
}

func (js sqlJobs) Put(ctx context.Context, job reminder.Job) (PutResult, error) {
	s := js.s
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return 0, err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Inserting first makes a concurrent put for the same new id wait on the
	// row instead of failing on the primary key.
	r, err := tx.ExecContext(ctx, s.d.rebind(`INSERT INTO jobs(`+jobColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, 'scheduled', ?, 0, `+s.d.nextSeq+`)
		ON CONFLICT (id) DO NOTHING`),
		job.ID, string(job.Kind), job.Sweep, job.Cadence, string(payload), ms(job.FireAt), ms(job.CreatedAt))
	if err != nil {
		return 0, err
	}
	if n, _ := r.RowsAffected(); n == 1 {
		return PutInserted, tx.Commit()
	}

	var status, kind string
	err = tx.QueryRowContext(ctx, s.d.rebind(`SELECT status, kind FROM jobs WHERE id = ?`+s.d.forUpdate), job.ID).Scan(&status, &kind)
	if err != nil {
		return 0, err
	}
	if status != string(reminder.JobScheduled) && kind != string(reminder.KindSweep) {
		return PutKept, nil
	}
	_, err = tx.ExecContext(ctx, s.d.rebind(`UPDATE jobs SET kind = ?, sweep = ?, cadence = ?, payload = ?, fire_at = ?,
		status = 'scheduled' WHERE id = ?`),
		string(job.Kind), job.Sweep, job.Cadence, string(payload), ms(job.FireAt), job.ID)
	if err != nil {
		return 0, err
	}
	return PutReplaced, tx.Commit()
}

func (js sqlJobs) Cancel(ctx context.Context, id string) (CancelResult, error) {
	s := js.s
	r, err := s.exec(ctx, `UPDATE jobs SET status = 'cancelled' WHERE id = ? AND status = 'scheduled'`, id)
	if err != nil {
		return 0, err
	}
	if n, _ := r.RowsAffected(); n == 1 {
		return CancelOK, nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, s.d.rebind(`SELECT status FROM jobs WHERE id = ?`), id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return CancelNotFound, nil
	case err != nil:
		return 0, err
	case status == string(reminder.JobFired):
		return CancelFired, nil
	default:
		return CancelAlready, nil
	}
}

// ClaimDue selects due candidates per kind and claims each one with a
// conditional update, so a row lost to a concurrent claimer is skipped.
func (js sqlJobs) ClaimDue(ctx context.Context, now time.Time, limits ClaimLimits) ([]reminder.Job, error) {
	s := js.s
	out := make([]reminder.Job, 0)
	for _, kind := range reminder.Kinds {
		limit := limits[kind]
		if limit <= 0 {
			continue
		}
		cands, err := js.list(ctx, `WHERE status = 'scheduled' AND kind = ? AND fire_at <= ? ORDER BY fire_at, seq LIMIT ?`,
			string(kind), ms(now), limit)
		if err != nil {
			return out, err
		}
		for _, j := range cands {
			r, err := s.exec(ctx, `UPDATE jobs SET status = 'fired', last_fired_at = ? WHERE id = ? AND status = 'scheduled'`, ms(now), j.ID)
			if err != nil {
				return out, err
			}
			if n, _ := r.RowsAffected(); n != 1 {
				continue
			}
			j.Status = reminder.JobFired
			j.LastFiredAt = fromMS(ms(now))
			out = append(out, j)
		}
	}
	sortJobs(out)
	return out, nil
}

func (js sqlJobs) Unclaim(ctx context.Context, id string) (bool, error) {
	r, err := js.s.exec(ctx, `UPDATE jobs SET status = 'scheduled' WHERE id = ? AND status = 'fired'`, id)
	if err != nil {
		return false, err
	}
	n, err := r.RowsAffected()
	return n == 1, err
}

func (js sqlJobs) Get(ctx context.Context, id string) (reminder.Job, error) {
	s := js.s
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Job{}, ErrNotFound
	}
	return j, err
}

func (js sqlJobs) List(ctx context.Context, f JobFilter) ([]reminder.Job, error) {
	where := []string{"1 = 1"}
	args := []any{}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := "WHERE " + strings.Join(where, " AND ") + " ORDER BY fire_at, seq"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return js.list(ctx, q, args...)
}

func (js sqlJobs) list(ctx context.Context, tail string, args ...any) ([]reminder.Job, error) {
	rows, err := js.s.query(ctx, `SELECT `+jobColumns+` FROM jobs `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]reminder.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- notifications ----

type sqlLedger struct{ s *sqlStore }

const noteColumns = `id, job_id, client_id, channel, recipient, body, state, attempts, last_attempt_at,
	last_error, provider_message_id, lease_until, created_at, updated_at`

func scanNotification(r rowScanner) (reminder.Notification, error) {
	var (
		n                                        reminder.Notification
		state, lastErr                           string
		lastAttempt, lease, createdAt, updatedAt int64
	)
	err := r.Scan(&n.ID, &n.JobID, &n.ClientID, &n.Channel, &n.Recipient, &n.Body, &state, &n.Attempts,
		&lastAttempt, &lastErr, &n.ProviderMessageID, &lease, &createdAt, &updatedAt)
	if err != nil {
		return reminder.Notification{}, err
	}
	n.State = reminder.State(state)
	n.LastError = reminder.FailureKind(lastErr)
	n.LastAttemptAt = fromMS(lastAttempt)
	n.LeaseUntil = fromMS(lease)
	n.CreatedAt = fromMS(createdAt)
	n.UpdatedAt = fromMS(updatedAt)
	return n, nil
}

func (l sqlLedger) Create(ctx context.Context, n reminder.Notification) error {
	_, err := l.s.exec(ctx, `INSERT INTO notifications(`+noteColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.JobID, n.ClientID, n.Channel, n.Recipient, n.Body, string(n.State), n.Attempts,
		ms(n.LastAttemptAt), string(n.LastError), n.ProviderMessageID, ms(n.LeaseUntil), ms(n.CreatedAt), ms(n.UpdatedAt))
	return err
}

func (l sqlLedger) Get(ctx context.Context, id string) (reminder.Notification, error) {
	s := l.s
	n, err := scanNotification(s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+noteColumns+` FROM notifications WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Notification{}, ErrNotFound
	}
	return n, err
}

func (l sqlLedger) List(ctx context.Context, f NotificationFilter) ([]reminder.Notification, error) {
	where := []string{"1 = 1"}
	args := []any{}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	q := "WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return l.list(ctx, q, args...)
}

func (l sqlLedger) list(ctx context.Context, tail string, args ...any) ([]reminder.Notification, error) {
	rows, err := l.s.query(ctx, `SELECT `+noteColumns+` FROM notifications `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]reminder.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (l sqlLedger) Acquire(ctx context.Context, id string, now time.Time, lease time.Duration) (reminder.Notification, bool, error) {
	r, err := l.s.exec(ctx, `UPDATE notifications SET state = 'pending', lease_until = ?, updated_at = ?
		WHERE id = ? AND (state = 'failed' OR (state = 'pending' AND lease_until <= ?))`,
		ms(now.Add(lease)), ms(now), id, ms(now))
	if err != nil {
		return reminder.Notification{}, false, err
	}
	affected, _ := r.RowsAffected()
	n, err := l.Get(ctx, id)
	if err != nil {
		return reminder.Notification{}, false, err
	}
	return n, affected == 1, nil
}

// Record is a compare-and-swap on (state, attempts): the update only lands
// if nobody else recorded an attempt since the read.
func (l sqlLedger) Record(ctx context.Context, id string, o reminder.Outcome, maxAttempts int) (reminder.Notification, error) {
	cur, err := l.Get(ctx, id)
	if err != nil {
		return reminder.Notification{}, err
	}
	if cur.State != reminder.StatePending {
		return cur, ErrConflict
	}
	next := cur.Apply(o, maxAttempts)
	r, err := l.s.exec(ctx, `UPDATE notifications SET state = ?, attempts = ?, last_attempt_at = ?, last_error = ?,
		provider_message_id = ?, lease_until = 0, updated_at = ?
		WHERE id = ? AND state = 'pending' AND attempts = ?`,
		string(next.State), next.Attempts, ms(next.LastAttemptAt), string(next.LastError),
		next.ProviderMessageID, ms(next.UpdatedAt), id, cur.Attempts)
	if err != nil {
		return cur, err
	}
	if n, _ := r.RowsAffected(); n != 1 {
		return cur, ErrConflict
	}
	return next, nil
}

func (l sqlLedger) Release(ctx context.Context, id string, at time.Time) error {
	_, err := l.s.exec(ctx, `UPDATE notifications SET lease_until = 0, updated_at = ? WHERE id = ? AND state = 'pending'`, ms(at), id)
	return err
}

func (l sqlLedger) RetryCandidates(ctx context.Context, q RetryQuery) ([]reminder.Notification, error) {
	tail := `WHERE (state = 'failed' OR (state = 'pending' AND lease_until <= ?))`
	args := []any{ms(q.Now)}
	if q.MaxAttempts > 0 {
		tail += ` AND attempts < ?`
		args = append(args, q.MaxAttempts)
	}
	tail += ` ORDER BY created_at, id`
	all, err := l.list(ctx, tail, args...)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, n := range all {
		if q.eligible(n) {
			out = append(out, n)
		}
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (l sqlLedger) Stats(ctx context.Context, since time.Time) (Stats, error) {
	rows, err := l.s.query(ctx, `SELECT state, COUNT(*), SUM(CASE WHEN attempts > 1 THEN 1 ELSE 0 END)
		FROM notifications WHERE created_at >= ? GROUP BY state`, ms(since))
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	st := Stats{Since: since, ByState: map[reminder.State]int{}}
	for rows.Next() {
		var (
			state          string
			count, retried int
		)
		if err := rows.Scan(&state, &count, &retried); err != nil {
			return Stats{}, err
		}
		st.ByState[reminder.State(state)] = count
		st.Total += count
		st.Retried += retried
	}
	return st, rows.Err()
}

// migrate applies the embedded schema statement by statement.
func (s *sqlStore) migrate(ctx context.Context, schema string) error {
	stmts := strings.Split(schema, ";")
	for _, stmt := range stmts {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.d.name, err)
		}
	}
	return nil
}
