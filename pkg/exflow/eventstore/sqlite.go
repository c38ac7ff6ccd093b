package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/exflow/pkg/exflow/deadletter"
	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
	"github.com/randalmurphal/exflow/pkg/exflow/partition"
)

// timeLayout is fixed-width so text comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(column, s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", column, s, err)
	}
	return t.UTC(), nil
}

// SQLiteStore persists the log, projections and broker state to SQLite.
// Writes are serialized through a single connection.
type SQLiteStore struct {
	db     *sql.DB
	opts   options
	parts  partition.Partitioner
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) a store at path. Use ":memory:" for tests.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := NewSQLStore(db, opts...)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing database handle without touching the schema.
func NewSQLStore(db *sql.DB, opts ...Option) *SQLiteStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &SQLiteStore{db: db, opts: o, parts: partition.New(o.partitions)}
}

// Migrate creates tables and indexes if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// withTx runs fn in a write transaction.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return exerrors.Infra(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return exerrors.Infra(op+": commit", err)
	}
	return nil
}

func (s *SQLiteStore) readLock() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	return nil
}

func (s *SQLiteStore) notify(parts map[int]bool) {
	if s.opts.notifier == nil {
		return
	}
	keys := make([]int, 0, len(parts))
	for p := range parts {
		keys = append(keys, p)
	}
	sort.Ints(keys)
	for _, p := range keys {
		s.opts.notifier.Notify(p)
	}
}

// appendTx appends env inside tx, updating the projection.
func (s *SQLiteStore) appendTx(ctx context.Context, tx *sql.Tx, env event.Envelope) (bool, int, error) {
	if err := event.Check(env); err != nil {
		return false, 0, err
	}

	var exists int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE event_id = ?`, env.EventID).Scan(&exists)
	if err != nil {
		return false, 0, exerrors.Infra("append: lookup", err)
	}
	if exists > 0 {
		return false, 0, nil
	}

	key := env.Key()
	current, err := loadException(ctx, tx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, 0, err
	}
	next, err := project(current, func() ([]event.Envelope, error) {
		return queryEvents(ctx, tx, key, Filter{})
	}, env)
	if err != nil {
		return false, 0, err
	}

	part := s.parts.For(key)
	var actorID sql.NullString
	if env.ActorID != nil {
		actorID = sql.NullString{String: *env.ActorID, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, tenant_id, exception_id, partition_id, event_type, actor_type, actor_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, env.EventID, env.TenantID, env.ExceptionID, part, string(env.Type), string(env.ActorType),
		actorID, []byte(env.Payload), formatTime(env.CreatedAt))
	if err != nil {
		return false, 0, exerrors.Infra("append: insert", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return false, 0, nil
	}

	if next != nil {
		if err := saveException(ctx, tx, next); err != nil {
			return false, 0, err
		}
	}
	return true, part, nil
}

// AppendIfNew implements Store.
func (s *SQLiteStore) AppendIfNew(ctx context.Context, env event.Envelope) (bool, error) {
	res, err := s.AppendBatch(ctx, []event.Envelope{env})
	if err != nil {
		return false, err
	}
	return res[0], nil
}

// AppendBatch implements Store.
func (s *SQLiteStore) AppendBatch(ctx context.Context, envs []event.Envelope) ([]bool, error) {
	res := make([]bool, len(envs))
	parts := map[int]bool{}
	err := s.withTx(ctx, "append", func(tx *sql.Tx) error {
		for i, env := range envs {
			ok, part, err := s.appendTx(ctx, tx, env)
			if err != nil {
				return err
			}
			res[i] = ok
			if ok {
				parts[part] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(parts)
	return res, nil
}

const eventColumns = `seq, event_id, tenant_id, exception_id, partition_id, event_type, actor_type, actor_id, payload, created_at`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanEvents(rows *sql.Rows) ([]event.Envelope, error) {
	defer rows.Close()

	var out []event.Envelope
	for rows.Next() {
		var (
			env       event.Envelope
			typ       string
			actorType string
			actorID   sql.NullString
			payload   []byte
			createdAt string
		)
		if err := rows.Scan(&env.Seq, &env.EventID, &env.TenantID, &env.ExceptionID, &env.Partition,
			&typ, &actorType, &actorID, &payload, &createdAt); err != nil {
			return nil, exerrors.Infra("scan event", err)
		}
		env.Type = event.Type(typ)
		env.ActorType = event.ActorType(actorType)
		if actorID.Valid {
			id := actorID.String
			env.ActorID = &id
		}
		env.Payload = json.RawMessage(payload)
		ts, err := parseTime("created_at", createdAt)
		if err != nil {
			return nil, exerrors.Infra("scan event "+env.EventID, err)
		}
		env.CreatedAt = ts
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, exerrors.Infra("iterate events", err)
	}
	return out, nil
}

func queryEvents(ctx context.Context, q queryer, key event.Key, filter Filter) ([]event.Envelope, error) {
	var (
		where = []string{"tenant_id = ?", "exception_id = ?"}
		args  = []any{key.TenantID, key.ExceptionID}
	)
	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "event_type IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(filter.Until))
	}

	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := q.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at, event_id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, exerrors.Infra("get events", err)
	}
	return scanEvents(rows)
}

func loadException(ctx context.Context, q queryer, key event.Key) (*exception.Exception, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `
		SELECT data FROM exceptions WHERE tenant_id = ? AND exception_id = ?
	`, key.TenantID, key.ExceptionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("exception %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, exerrors.Infra("load exception", err)
	}
	var exc exception.Exception
	if err := json.Unmarshal(data, &exc); err != nil {
		return nil, fmt.Errorf("decode exception %s: %w", key, err)
	}
	return &exc, nil
}

func saveException(ctx context.Context, tx *sql.Tx, exc *exception.Exception) error {
	data, err := json.Marshal(exc)
	if err != nil {
		return fmt.Errorf("encode exception: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO exceptions (tenant_id, exception_id, status, domain, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, exception_id) DO UPDATE SET
			status = excluded.status,
			domain = excluded.domain,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, exc.TenantID, exc.ExceptionID, string(exc.Status), exc.Domain,
		formatTime(exc.CreatedAt), formatTime(exc.UpdatedAt), data)
	if err != nil {
		return exerrors.Infra("save exception", err)
	}
	return nil
}

// GetEvents implements Store.
func (s *SQLiteStore) GetEvents(ctx context.Context, key event.Key, filter Filter) ([]event.Envelope, error) {
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return queryEvents(ctx, s.db, key, filter)
}

// Exists implements Store.
func (s *SQLiteStore) Exists(ctx context.Context, eventID string) (bool, error) {
	if err := s.readLock(); err != nil {
		return false, err
	}
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE event_id = ?`, eventID).Scan(&n); err != nil {
		return false, exerrors.Infra("exists", err)
	}
	return n > 0, nil
}

// GetException implements Store.
func (s *SQLiteStore) GetException(ctx context.Context, key event.Key) (*exception.Exception, error) {
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return loadException(ctx, s.db, key)
}

// ListExceptions implements Store.
func (s *SQLiteStore) ListExceptions(ctx context.Context, tenantID string, filter ListFilter) ([]*exception.Exception, error) {
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, filter.Domain)
	}
	if filter.Open {
		where = append(where, "status <> ?")
		args = append(args, string(event.StatusResolved))
	}
	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM exceptions WHERE `+strings.Join(where, " AND ")+
		` ORDER BY created_at, exception_id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, exerrors.Infra("list exceptions", err)
	}
	defer rows.Close()

	var out []*exception.Exception
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, exerrors.Infra("scan exception", err)
		}
		var exc exception.Exception
		if err := json.Unmarshal(data, &exc); err != nil {
			return nil, fmt.Errorf("decode exception: %w", err)
		}
		out = append(out, &exc)
	}
	if err := rows.Err(); err != nil {
		return nil, exerrors.Infra("iterate exceptions", err)
	}
	return out, nil
}

// Rebuild implements Store.
func (s *SQLiteStore) Rebuild(ctx context.Context, key event.Key) (*exception.Exception, error) {
	var exc *exception.Exception
	err := s.withTx(ctx, "rebuild", func(tx *sql.Tx) error {
		events, err := queryEvents(ctx, tx, key, Filter{})
		if err != nil {
			return err
		}
		folded, err := exception.Fold(events)
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", key, ErrNotFound)
		}
		exc = folded
		return saveException(ctx, tx, folded)
	})
	if err != nil {
		return nil, err
	}
	return exc, nil
}

// Partitions implements Log.
func (s *SQLiteStore) Partitions() int {
	return s.parts.Count()
}

// ReadPartition implements Log.
func (s *SQLiteStore) ReadPartition(ctx context.Context, part int, afterSeq int64, limit int) ([]event.Envelope, error) {
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE partition_id = ? AND seq > ? ORDER BY seq LIMIT ?`, part, afterSeq, limit)
	if err != nil {
		return nil, exerrors.Infra("read partition", err)
	}
	return scanEvents(rows)
}

// Offset implements Log.
func (s *SQLiteStore) Offset(ctx context.Context, group string, part int) (int64, error) {
	if err := s.readLock(); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()

	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq FROM consumer_offsets WHERE consumer_group = ? AND partition_id = ?
	`, group, part).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, exerrors.Infra("offset", err)
	}
	return seq, nil
}

// IsProcessed implements Log.
func (s *SQLiteStore) IsProcessed(ctx context.Context, group, eventID string) (bool, error) {
	if err := s.readLock(); err != nil {
		return false, err
	}
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM processed_events WHERE event_id = ? AND consumer_group = ?
	`, eventID, group).Scan(&n)
	if err != nil {
		return false, exerrors.Infra("is processed", err)
	}
	return n > 0, nil
}

// CommitStage implements Log.
func (s *SQLiteStore) CommitStage(ctx context.Context, c Commit) ([]bool, error) {
	res := make([]bool, len(c.Emitted))
	parts := map[int]bool{}
	now := formatTime(s.opts.now())

	err := s.withTx(ctx, "commit stage", func(tx *sql.Tx) error {
		for i, env := range c.Emitted {
			ok, part, err := s.appendTx(ctx, tx, env)
			if err != nil {
				return err
			}
			res[i] = ok
			if ok {
				parts[part] = true
			}
		}

		if c.MarkProcessed {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO processed_events (event_id, consumer_group, processed_at)
				VALUES (?, ?, ?)
				ON CONFLICT(event_id, consumer_group) DO NOTHING
			`, c.Source.EventID, c.Group, now); err != nil {
				return exerrors.Infra("mark processed", err)
			}
		}

		if c.DeadLetter != nil {
			if err := putDeadLetter(ctx, tx, c.DeadLetter); err != nil {
				return err
			}
		}

		if c.AdvanceOffset {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO consumer_offsets (consumer_group, partition_id, seq, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(consumer_group, partition_id) DO UPDATE SET
					seq = MAX(consumer_offsets.seq, excluded.seq),
					updated_at = excluded.updated_at
			`, c.Group, c.Source.Partition, c.Source.Seq, now); err != nil {
				return exerrors.Infra("commit offset", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(parts)
	return res, nil
}

// ClaimPartition implements Log.
func (s *SQLiteStore) ClaimPartition(ctx context.Context, group string, part int, owner string, ttl time.Duration) (bool, error) {
	now := s.opts.now()
	var claimed bool
	err := s.withTx(ctx, "claim partition", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO partition_leases (consumer_group, partition_id, owner, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(consumer_group, partition_id) DO UPDATE SET
				owner = excluded.owner,
				expires_at = excluded.expires_at
			WHERE partition_leases.owner = excluded.owner OR partition_leases.expires_at <= ?
		`, group, part, owner, now.Add(ttl).UnixNano(), now.UnixNano())
		if err != nil {
			return exerrors.Infra("claim partition", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return exerrors.Infra("claim partition", err)
		}
		claimed = n > 0
		return nil
	})
	return claimed, err
}

// ReleasePartition implements Log.
func (s *SQLiteStore) ReleasePartition(ctx context.Context, group string, part int, owner string) error {
	return s.withTx(ctx, "release partition", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM partition_leases WHERE consumer_group = ? AND partition_id = ? AND owner = ?
		`, group, part, owner)
		return exerrors.Infra("release partition", err)
	})
}

// LeaseOwners implements Log.
func (s *SQLiteStore) LeaseOwners(ctx context.Context, group string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT owner FROM partition_leases
		WHERE consumer_group = ? AND expires_at > ?
		ORDER BY owner
	`, group, s.opts.now().UnixNano())
	if err != nil {
		return nil, exerrors.Infra("lease owners", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, exerrors.Infra("lease owners", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, exerrors.Infra("lease owners", err)
	}
	return owners, nil
}

func putDeadLetter(ctx context.Context, tx *sql.Tx, e *deadletter.Entry) error {
	blob, err := deadletter.EncodeEnvelope(e.Envelope)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (event_id, consumer_group, tenant_id, exception_id, event_type, envelope,
			error, category, retry_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, consumer_group) DO UPDATE SET
			error = excluded.error,
			category = excluded.category,
			retry_count = excluded.retry_count,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, e.EventID, e.ConsumerGroup, e.TenantID, e.ExceptionID, string(e.EventType), blob,
		e.Error, e.Category, e.RetryCount, string(e.Status), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return exerrors.Infra("put dead letter", err)
	}
	return nil
}

const deadLetterColumns = `event_id, consumer_group, tenant_id, exception_id, event_type, envelope,
	error, category, retry_count, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (*deadletter.Entry, error) {
	var (
		e                    deadletter.Entry
		typ, status          string
		blob                 []byte
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.EventID, &e.ConsumerGroup, &e.TenantID, &e.ExceptionID, &typ, &blob,
		&e.Error, &e.Category, &e.RetryCount, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	env, err := deadletter.DecodeEnvelope(blob)
	if err != nil {
		return nil, err
	}
	e.EventType = event.Type(typ)
	e.Envelope = env
	e.Status = deadletter.Status(status)
	if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func getDeadLetter(ctx context.Context, q queryer, group, eventID string) (*deadletter.Entry, error) {
	e, err := scanDeadLetter(q.QueryRowContext(ctx, `SELECT `+deadLetterColumns+`
		FROM dead_letters WHERE consumer_group = ? AND event_id = ?`, group, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deadletter.ErrNotFound
	}
	if err != nil {
		return nil, exerrors.Infra("get dead letter", err)
	}
	return e, nil
}

// GetDeadLetter implements deadletter.Store.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, group, eventID string) (*deadletter.Entry, error) {
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return getDeadLetter(ctx, s.db, group, eventID)
}

// ListDeadLetters implements deadletter.Store.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter deadletter.ListFilter) ([]*deadletter.Entry, error) {
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	where := []string{"1 = 1"}
	var args []any
	if filter.ConsumerGroup != "" {
		where = append(where, "consumer_group = ?")
		args = append(args, filter.ConsumerGroup)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at, event_id, consumer_group LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, exerrors.Infra("list dead letters", err)
	}
	defer rows.Close()

	var out []*deadletter.Entry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, exerrors.Infra("scan dead letter", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, exerrors.Infra("iterate dead letters", err)
	}
	return out, nil
}

// UpdateDeadLetter implements deadletter.Store.
func (s *SQLiteStore) UpdateDeadLetter(ctx context.Context, group, eventID string, u deadletter.Update) (*deadletter.Entry, error) {
	var out *deadletter.Entry
	err := s.withTx(ctx, "update dead letter", func(tx *sql.Tx) error {
		e, err := getDeadLetter(ctx, tx, group, eventID)
		if err != nil {
			return err
		}
		if err := e.Apply(u, s.opts.now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE dead_letters SET status = ?, error = ?, retry_count = ?, updated_at = ?
			WHERE consumer_group = ? AND event_id = ?
		`, string(e.Status), e.Error, e.RetryCount, formatTime(e.UpdatedAt), group, eventID); err != nil {
			return exerrors.Infra("update dead letter", err)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountDeadLetters implements deadletter.Store.
func (s *SQLiteStore) CountDeadLetters(ctx context.Context, group string) (map[deadletter.Status]int, error) {
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM dead_letters
		WHERE ? = '' OR consumer_group = ?
		GROUP BY status
	`, group, group)
	if err != nil {
		return nil, exerrors.Infra("count dead letters", err)
	}
	defer rows.Close()

	counts := make(map[deadletter.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, exerrors.Infra("scan dead letter count", err)
		}
		counts[deadletter.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, exerrors.Infra("iterate dead letter counts", err)
	}
	return counts, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// Compile-time interface checks.
var (
	_ Full = (*SQLiteStore)(nil)
)
