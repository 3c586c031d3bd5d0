package instructions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore resolves instructions from a PostgreSQL office_instructions
// table, keyed by call identifier. Rows are written by the provisioning
// side before the telephony provider places the media-stream connection.
//
// All methods are safe for concurrent use.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects a pgx pool to dsn and verifies it with a ping.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("instructions: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("instructions: ping: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Get implements Store.
func (s *PGStore) Get(ctx context.Context, callID string) (Instruction, error) {
	const q = `
		SELECT company_name, content
		FROM   office_instructions
		WHERE  call_id = $1`

	var inst Instruction
	err := s.pool.QueryRow(ctx, q, callID).Scan(&inst.CompanyName, &inst.Content)
	if errors.Is(err, pgx.ErrNoRows) {
		return Instruction{}, ErrNotFound
	}
	if err != nil {
		return Instruction{}, fmt.Errorf("instructions: get %s: %w", callID, err)
	}
	return inst, nil
}

// Put provisions or replaces the instruction for a call.
func (s *PGStore) Put(ctx context.Context, callID string, inst Instruction) error {
	const q = `
		INSERT INTO office_instructions (call_id, company_name, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (call_id) DO UPDATE
		SET company_name = EXCLUDED.company_name, content = EXCLUDED.content`

	if _, err := s.pool.Exec(ctx, q, callID, inst.CompanyName, inst.Content); err != nil {
		return fmt.Errorf("instructions: put %s: %w", callID, err)
	}
	return nil
}

// Ping reports whether the backing database is reachable. Used by the
// readiness probe.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}
