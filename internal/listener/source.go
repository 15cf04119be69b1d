// source.go: pooled read access to the source database for deep payload fetches.
package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tomasvidal/vigia/internal/conf"
	"github.com/tomasvidal/vigia/internal/errors"
)

// SourceStore fetches the full execution payload by event id. It uses a
// short-lived pooled connection, kept strictly separate from the dedicated
// notification connections.
type SourceStore struct {
	pool      *pgxpool.Pool
	dataTable string
}

// NewSourceStore creates the pool and fails fast if the source database is
// unreachable.
func NewSourceStore(ctx context.Context, settings *conf.Settings) (*SourceStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, settings.Source.DSN)
	if err != nil {
		return nil, fmt.Errorf("creating source pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging source database: %w", err)
	}

	return &SourceStore{
		pool:      pool,
		dataTable: settings.Source.DataTable,
	}, nil
}

// FetchPayload reads the deep payload for an event. The payload shape is not
// contractually fixed; it is returned as a parsed document for the extraction
// strategies to interpret.
func (s *SourceStore) FetchPayload(ctx context.Context, eventID int64) (*jason.Object, error) {
	query := fmt.Sprintf("SELECT data FROM %s WHERE execution_id = $1",
		pgx.Identifier{s.dataTable}.Sanitize())

	var raw []byte
	if err := s.pool.QueryRow(ctx, query, eventID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Newf("no deep payload for event %d", eventID).
				Component("listener").
				Category(errors.CategoryExtraction).
				Terminal().
				Build()
		}
		return nil, errors.New(err).
			Component("listener").
			Category(errors.CategoryDatabase).
			Transient().
			Context("event_id", eventID).
			Build()
	}

	doc, err := jason.NewObjectFromBytes(raw)
	if err != nil {
		return nil, errors.New(fmt.Errorf("parsing deep payload: %w", err)).
			Component("listener").
			Category(errors.CategoryExtraction).
			Terminal().
			Context("event_id", eventID).
			Context("payload_len", len(raw)).
			Build()
	}
	return doc, nil
}

// Close shuts down the pool.
func (s *SourceStore) Close() {
	s.pool.Close()
}
