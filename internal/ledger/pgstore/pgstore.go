// Package pgstore provides a PostgreSQL implementation of ledger.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/ledger"
)

var tracer = otel.Tracer("github.com/linnemanlabs/palisade/internal/ledger/pgstore")

//go:embed schema.sql
var schema string

// Store persists ledger events in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const eventColumns = `id, kind, occurred_at, node_id, proposal_id, quarantine_id, detail`

// Append inserts e. A repeated ID is ignored.
func (s *Store) Append(ctx context.Context, e events.Event) error {
	ctx, span := tracer.Start(ctx, "pgstore.Append", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
		attribute.String("palisade.event.kind", string(e.Kind)),
	))
	defer span.End()

	var detail []byte
	if len(e.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("marshal detail: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Kind), e.Time, e.NodeID, e.ProposalID, e.QuarantineID, detail,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// List returns up to q.Limit of the most recent matching events, oldest first.
func (s *Store) List(ctx context.Context, q ledger.Query) ([]events.Event, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query, args := buildList(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// buildList renders the filtered, newest-first SELECT for q.
func buildList(q ledger.Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+" $"+strconv.Itoa(len(args)))
	}
	if q.Kind != "" {
		add("kind =", string(q.Kind))
	}
	if q.NodeID != "" {
		add("node_id =", q.NodeID)
	}
	if q.ProposalID != "" {
		add("proposal_id =", q.ProposalID)
	}
	if q.QuarantineID != "" {
		add("quarantine_id =", q.QuarantineID)
	}
	if !q.Since.IsZero() {
		add("occurred_at >=", q.Since)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + eventColumns + ` FROM ledger_events`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, q.Limit)
	b.WriteString(" ORDER BY occurred_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args)))
	return b.String(), args
}

func scanEvent(row pgx.Row) (events.Event, error) {
	var (
		e      events.Event
		kind   string
		detail []byte
	)
	if err := row.Scan(&e.ID, &kind, &e.Time, &e.NodeID, &e.ProposalID, &e.QuarantineID, &detail); err != nil {
		return events.Event{}, fmt.Errorf("scan: %w", err)
	}
	e.Kind = events.Kind(kind)
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return events.Event{}, fmt.Errorf("unmarshal detail %s: %w", e.ID, err)
		}
	}
	return e, nil
}
