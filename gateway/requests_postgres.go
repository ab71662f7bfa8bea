package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/pricing"
	"github.com/polycrawl/paygate/receipt"
)

// PostgresRequests stores requests in the requests table. Transitions are
// conditional updates on the current status.
type PostgresRequests struct {
	db *pgxpool.Pool
}

func NewPostgresRequests(db *pgxpool.Pool) *PostgresRequests {
	return &PostgresRequests{db: db}
}

var _ RequestStore = (*PostgresRequests)(nil)

const requestColumns = "id, user_id, agent_id, resource_id, provider_id, mode, status, settlement, bytes_billed, cost, failure, created_at, updated_at"

func scanRequest(row pgx.Row) (*Request, error) {
	var (
		r                  Request
		status, settlement string
		cost               int64
	)
	err := row.Scan(&r.ID, &r.UserID, &r.AgentID, &r.ResourceID, &r.ProviderID, &r.Mode,
		&status, &settlement, &r.BytesBilled, &cost, &r.Failure, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status, r.Settlement, r.Cost = Status(status), receipt.Settlement(settlement), paygate.Amount(cost)
	return &r, nil
}

func (p *PostgresRequests) Create(ctx context.Context, r Request) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.UserID, r.AgentID, r.ResourceID, r.ProviderID, r.Mode, string(r.Status),
		string(r.Settlement), r.BytesBilled, int64(r.Cost), r.Failure, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("request insert failed: %w", err)
	}
	return nil
}

func (p *PostgresRequests) Get(ctx context.Context, id string) (*Request, error) {
	r, err := scanRequest(p.db.QueryRow(ctx, "SELECT "+requestColumns+" FROM requests WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return r, err
}

func sourcesOf(next Status) []string {
	var out []string
	for _, s := range []Status{StatusInitiated, StatusAwaitingSettlement} {
		if s.CanTransition(next) {
			out = append(out, string(s))
		}
	}
	return out
}

func (p *PostgresRequests) Transition(ctx context.Context, id string, next Status, u Update) (*Request, error) {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	r, err := scanRequest(p.db.QueryRow(ctx,
		`UPDATE requests SET
		     status       = $2,
		     bytes_billed = CASE WHEN $3::BIGINT > 0 THEN $3::BIGINT ELSE bytes_billed END,
		     cost         = CASE WHEN $4::BIGINT > 0 THEN $4::BIGINT ELSE cost END,
		     settlement   = CASE WHEN $5::TEXT <> '' THEN $5::TEXT ELSE settlement END,
		     failure      = CASE WHEN $6::TEXT <> '' THEN $6::TEXT ELSE failure END,
		     updated_at   = $7
		 WHERE id = $1 AND status = ANY($8::TEXT[])
		 RETURNING `+requestColumns,
		id, string(next), u.BytesBilled, int64(u.Cost), string(u.Settlement), u.Failure, at, sourcesOf(next)))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := p.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next)
	}
	if err != nil {
		return nil, fmt.Errorf("request transition failed: %w", err)
	}
	return r, nil
}

func (p *PostgresRequests) SettledSpend(ctx context.Context, user string, since time.Time, f pricing.SpendFilter) (paygate.Amount, error) {
	var sum int64
	err := p.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0)::BIGINT FROM requests
		 WHERE user_id = $1
		   AND status IN ('settled', 'awaiting_settlement')
		   AND created_at >= $2
		   AND ($3::TEXT = '' OR resource_id = $3::TEXT)
		   AND ($4::TEXT = '' OR mode = $4::TEXT)`,
		user, since, f.ResourceID, f.Mode).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("spend lookup failed: %w", err)
	}
	return paygate.Amount(sum), nil
}

func (p *PostgresRequests) Committed(ctx context.Context, user string, since time.Time) ([]Request, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE user_id = $1 AND status IN ('settled', 'awaiting_settlement') AND created_at >= $2
		 ORDER BY created_at`,
		user, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
