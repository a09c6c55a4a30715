package txidstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	x402 "github.com/agentpay/usdcx-x402/go"
)

// DefaultTable is the table used when no name is configured.
const DefaultTable = "consumed_txids"

const (
	statusInFlight = "in_flight"
	statusConsumed = "consumed"
)

// SQLStore implements x402.ProofStore on database/sql.
type SQLStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

var _ x402.ProofStore = (*SQLStore)(nil)

// Option configures a SQLStore
type Option func(*SQLStore)

// WithTable overrides DefaultTable. The name is interpolated into queries and
// must come from configuration, never from a request.
func WithTable(name string) Option {
	return func(s *SQLStore) {
		if name != "" {
			s.table = name
		}
	}
}

func New(db *sql.DB, opts ...Option) *SQLStore {
	s := &SQLStore{db: db, table: DefaultTable, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (txid TEXT PRIMARY KEY, status TEXT NOT NULL, updated_at TIMESTAMP NOT NULL)`,
		s.table))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", s.table, err)
	}
	return nil
}

// Reserve inserts the normalized proof as in flight. The primary key makes
// the insert the atomic claim: a conflicting row means another request holds
// or already consumed the proof.
func (s *SQLStore) Reserve(ctx context.Context, proof x402.PaymentProof) (x402.Reservation, error) {
	key := proof.Normalize()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (txid, status, updated_at) VALUES ($1, $2, $3) ON CONFLICT (txid) DO NOTHING`, s.table),
		key, statusInFlight, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %s: %w", key, err)
	}
	if n == 1 {
		return &sqlReservation{store: s, key: key}, nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE txid = $1`, s.table), key).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// released between the insert and the lookup
		return nil, x402.ErrProofInFlight
	case err != nil:
		return nil, fmt.Errorf("failed to look up %s: %w", key, err)
	case status == statusConsumed:
		return nil, x402.ErrProofConsumed
	default:
		return nil, x402.ErrProofInFlight
	}
}

// IsConsumed implements x402.ProofStore.
func (s *SQLStore) IsConsumed(ctx context.Context, proof x402.PaymentProof) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE txid = $1 AND status = $2`, s.table),
		proof.Normalize(), statusConsumed).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	return n > 0, nil
}

// Count implements x402.ProofStore.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = $1`, s.table),
		statusConsumed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", s.table, err)
	}
	return n, nil
}

// ReapInFlight deletes in-flight rows older than maxAge, left behind by a
// process that died between Reserve and Commit. It returns the number removed.
func (s *SQLStore) ReapInFlight(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE status = $1 AND updated_at < $2`, s.table),
		statusInFlight, s.now().Add(-maxAge).UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reap %s: %w", s.table, err)
	}
	return res.RowsAffected()
}

// sqlReservation settles once. A failed Commit leaves it open so the caller
// can still Release.
type sqlReservation struct {
	store *SQLStore
	key   string
	mu    sync.Mutex
	done  bool
}

func (r *sqlReservation) Commit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	_, err := r.store.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $1, updated_at = $2 WHERE txid = $3 AND status = $4`, r.store.table),
		statusConsumed, r.store.now().UTC(), r.key, statusInFlight)
	if err != nil {
		return fmt.Errorf("failed to commit %s: %w", r.key, err)
	}
	r.done = true
	return nil
}

func (r *sqlReservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	_, err := r.store.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE txid = $1 AND status = $2`, r.store.table),
		r.key, statusInFlight)
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", r.key, err)
	}
	r.done = true
	return nil
}
