package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/eventstream-ingest/internal/ingestcfg"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the pgx-backed Store.
type Postgres struct {
	pgOps
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(ctx context.Context, cfg ingestcfg.PostgresConfig) (*Postgres, error) {
	pconf, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pconf.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ConnMaxLifetimeMs > 0 {
		pconf.MaxConnLifetime = time.Duration(cfg.ConnMaxLifetimeMs) * time.Millisecond
	}
	if cfg.ApplyMigrations {
		if err := Migrate(cfg.DSN); err != nil {
			return nil, err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, pconf)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return &Postgres{pgOps: pgOps{q: pool}, pool: pool}, nil
}

func (p *Postgres) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	return runTx(ctx, p.pool, fn)
}

func (p *Postgres) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.pool.Ping(cctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// runTx is shared by the pool and by nested transactions, which pgx maps to
// savepoints.
func runTx(ctx context.Context, b txBeginner, fn func(tx Store) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&pgTx{pgOps: pgOps{q: tx}, tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	pgOps
	tx pgx.Tx
}

var _ Store = (*pgTx)(nil)

func (t *pgTx) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	return runTx(ctx, t.tx, fn)
}

func (t *pgTx) Ping(ctx context.Context) error { return t.tx.Conn().Ping(ctx) }

// Close is a no-op; the enclosing RunInTransaction owns the transaction.
func (t *pgTx) Close() error { return nil }

// pgOps holds the queries shared by the pool and transaction stores.
type pgOps struct {
	q querier
}

func (o pgOps) FindTransport(ctx context.Context, name string) (Transport, bool, error) {
	var t Transport
	var key *string
	err := o.q.QueryRow(ctx,
		`SELECT id, public_key, auto_subscribe_on_event_create, created_at FROM transports WHERE id = $1`,
		name,
	).Scan(&t.ID, &key, &t.AutoSubscribeOnEventCreate, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transport{}, false, nil
	}
	if err != nil {
		return Transport{}, false, fmt.Errorf("find transport: %w", err)
	}
	if key != nil {
		t.PublicKey = *key
	}
	return t, true, nil
}

func (o pgOps) CreateTransport(ctx context.Context, t Transport) error {
	var key *string
	if t.PublicKey != "" {
		key = &t.PublicKey
	}
	_, err := o.q.Exec(ctx,
		`INSERT INTO transports (id, public_key, auto_subscribe_on_event_create) VALUES ($1, $2, $3)`,
		t.ID, key, t.AutoSubscribeOnEventCreate,
	)
	if err != nil {
		return fmt.Errorf("create transport %q: %w", t.ID, mapPgError(err))
	}
	return nil
}

func (o pgOps) ListTransports(ctx context.Context) ([]Transport, error) {
	rows, err := o.q.Query(ctx,
		`SELECT id, public_key, auto_subscribe_on_event_create, created_at FROM transports ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list transports: %w", err)
	}
	defer rows.Close()
	var out []Transport
	for rows.Next() {
		var t Transport
		var key *string
		if err := rows.Scan(&t.ID, &key, &t.AutoSubscribeOnEventCreate, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transport: %w", err)
		}
		if key != nil {
			t.PublicKey = *key
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (o pgOps) FindUser(ctx context.Context, id string) (User, bool, error) {
	var u User
	err := o.q.QueryRow(ctx, `SELECT id, created_at FROM users WHERE id = $1`, id).Scan(&u.ID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("find user: %w", err)
	}
	return u, true, nil
}

func (o pgOps) CreateUserIfAbsent(ctx context.Context, id string) (bool, error) {
	tag, err := o.q.Exec(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return false, fmt.Errorf("create user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (o pgOps) FindStream(ctx context.Context, id string) (Stream, bool, error) {
	var s Stream
	err := o.q.QueryRow(ctx, `SELECT id, name, created_at FROM streams WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stream{}, false, nil
	}
	if err != nil {
		return Stream{}, false, fmt.Errorf("find stream: %w", err)
	}
	return s, true, nil
}

func (o pgOps) CreateStream(ctx context.Context, s Stream) error {
	_, err := o.q.Exec(ctx, `INSERT INTO streams (id, name) VALUES ($1, $2)`, s.ID, s.Name)
	if err != nil {
		return fmt.Errorf("create stream %q: %w", s.ID, mapPgError(err))
	}
	return nil
}

func (o pgOps) FindStreamUser(ctx context.Context, streamID, userID string) (StreamUser, bool, error) {
	var su StreamUser
	var lastSeen *string
	err := o.q.QueryRow(ctx,
		`SELECT id::text, stream_id, user_id, last_seen_event_id, created_at
		 FROM stream_users WHERE stream_id = $1 AND user_id = $2`,
		streamID, userID,
	).Scan(&su.ID, &su.StreamID, &su.UserID, &lastSeen, &su.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StreamUser{}, false, nil
	}
	if err != nil {
		return StreamUser{}, false, fmt.Errorf("find stream user: %w", err)
	}
	if lastSeen != nil {
		su.LastSeenEventID = *lastSeen
	}
	return su, true, nil
}

// AddStreamUser returns the existing membership when the user already
// belongs to the stream. Unknown streams or users yield ErrNotFound.
func (o pgOps) AddStreamUser(ctx context.Context, streamID, userID string) (StreamUser, error) {
	_, err := o.q.Exec(ctx,
		`INSERT INTO stream_users (id, stream_id, user_id) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, stream_id) DO NOTHING`,
		newStreamUserID(), streamID, userID,
	)
	if err != nil {
		return StreamUser{}, fmt.Errorf("add stream user: %w", mapPgError(err))
	}
	su, found, err := o.FindStreamUser(ctx, streamID, userID)
	if err != nil {
		return StreamUser{}, err
	}
	if !found {
		return StreamUser{}, fmt.Errorf("add stream user: %w", ErrNotFound)
	}
	return su, nil
}

func (o pgOps) HasSubscription(ctx context.Context, streamUserID, transportID string) (bool, error) {
	var exists bool
	err := o.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE stream_user_id = $1 AND transport_id = $2)`,
		streamUserID, transportID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has subscription: %w", err)
	}
	return exists, nil
}

func (o pgOps) CreateSubscriptionIfAbsent(ctx context.Context, sub Subscription) (bool, error) {
	if sub.ID == "" {
		sub.ID = NewSubscriptionID()
	}
	tag, err := o.q.Exec(ctx,
		`INSERT INTO subscriptions (id, stream_user_id, transport_id) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		sub.ID, sub.StreamUserID, sub.TransportID,
	)
	if err != nil {
		return false, fmt.Errorf("create subscription: %w", mapPgError(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (o pgOps) EventExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := o.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("event exists: %w", err)
	}
	return exists, nil
}

func (o pgOps) InsertEventIfAbsent(ctx context.Context, ev EventRecord) (bool, error) {
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}
	tag, err := o.q.Exec(ctx,
		`INSERT INTO events (id, type, datetime, transport_id, user_id, stream_id, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.Datetime, ev.TransportID, ev.UserID, ev.StreamID, payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (o pgOps) CountEvents(ctx context.Context, streamID string) (int, error) {
	var n int
	if err := o.q.QueryRow(ctx, `SELECT count(*) FROM events WHERE stream_id = $1`, streamID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrExists
		case pgForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}
