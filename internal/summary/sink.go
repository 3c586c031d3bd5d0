package summary

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CallSummary is the stored result of summarising one call.
type CallSummary struct {
	CallSID     string
	CompanyName string
	Summary     string
	Duration    time.Duration
	CreatedAt   time.Time
}

// Sink persists call summaries.
type Sink interface {
	Store(ctx context.Context, cs CallSummary) error
}

// PGSink writes summaries to a PostgreSQL call_summaries table.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink connects a pgx pool to dsn and verifies it with a ping.
func NewPGSink(ctx context.Context, dsn string) (*PGSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("summary: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("summary: ping: %w", err)
	}
	return &PGSink{pool: pool}, nil
}

// Store implements Sink.
func (s *PGSink) Store(ctx context.Context, cs CallSummary) error {
	const q = `
		INSERT INTO call_summaries (call_sid, company_name, summary, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		cs.CallSID,
		cs.CompanyName,
		cs.Summary,
		cs.Duration.Milliseconds(),
		cs.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("summary: store %s: %w", cs.CallSID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PGSink) Close() {
	s.pool.Close()
}

// LogSink writes summaries to the structured log. Used when no database is
// configured.
type LogSink struct {
	Logger *slog.Logger
}

// Store implements Sink.
func (s *LogSink) Store(_ context.Context, cs CallSummary) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("call summary",
		"call_sid", cs.CallSID,
		"company", cs.CompanyName,
		"duration", cs.Duration,
		"summary", cs.Summary,
	)
	return nil
}

// Service ties a Summariser to a Sink and runs them off the call path.
type Service struct {
	Summariser Summariser
	Sink       Sink
	Timeout    time.Duration
	Logger     *slog.Logger
}

const defaultTimeout = 30 * time.Second

// Process summarises one finished call and stores the result. Empty
// transcripts are skipped.
func (s *Service) Process(ctx context.Context, rec CallRecord) error {
	text, err := s.Summariser.Summarise(ctx, rec)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	return s.Sink.Store(ctx, CallSummary{
		CallSID:     rec.CallSID,
		CompanyName: rec.CompanyName,
		Summary:     text,
		Duration:    rec.Duration,
		CreatedAt:   time.Now(),
	})
}

// ProcessAsync runs Process in a detached goroutine with its own timeout.
// Failures are logged and dropped; call teardown never waits on this.
func (s *Service) ProcessAsync(rec CallRecord) {
	go func() {
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.Process(ctx, rec); err != nil {
			log := s.Logger
			if log == nil {
				log = slog.Default()
			}
			log.Error("summarise call", "call_sid", rec.CallSID, "error", err)
		}
	}()
}
