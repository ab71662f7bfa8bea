package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores receipts in the receipts table. The payload column holds
// the receipt without its signature, which lives in token.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

func encodePayload(r Receipt) ([]byte, string, error) {
	token := r.Sig
	r.Sig = ""
	payload, err := json.Marshal(r)
	return payload, token, err
}

func (p *Postgres) Insert(ctx context.Context, rec Record) error {
	payload, token, err := encodePayload(rec.Receipt)
	if err != nil {
		return err
	}
	tag, err := p.db.Exec(ctx,
		`INSERT INTO receipts (id, request_id, state, payload, token, created_at, finalized_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (request_id) DO NOTHING`,
		rec.Receipt.ID, rec.Receipt.RequestID, string(rec.State), payload, token, rec.CreatedAt, rec.FinalizedAt)
	if err != nil {
		return fmt.Errorf("receipt insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrExists, rec.Receipt.RequestID)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, requestID string) (*Record, error) {
	var (
		rec     Record
		state   string
		payload []byte
		token   string
	)
	err := p.db.QueryRow(ctx,
		"SELECT state, payload, token, created_at, finalized_at FROM receipts WHERE request_id = $1", requestID,
	).Scan(&state, &payload, &token, &rec.CreatedAt, &rec.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("receipt lookup failed: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Receipt); err != nil {
		return nil, fmt.Errorf("receipt payload: %w", err)
	}
	rec.State = State(state)
	rec.Receipt.Sig = token
	return &rec, nil
}

func (p *Postgres) Finalize(ctx context.Context, requestID string, r Receipt, at time.Time) error {
	payload, token, err := encodePayload(r)
	if err != nil {
		return err
	}
	tag, err := p.db.Exec(ctx,
		`UPDATE receipts SET state = 'final', payload = $2, token = $3, finalized_at = $4
		 WHERE request_id = $1 AND state = 'pending'`,
		requestID, payload, token, at)
	if err != nil {
		return fmt.Errorf("receipt finalize failed: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := p.Get(ctx, requestID); err != nil {
		return err
	}
	return ErrNotPending
}
