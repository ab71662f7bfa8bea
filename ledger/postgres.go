package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/polycrawl/paygate"
)

// Postgres is a Ledger backed by the wallets, holds and ledger_entries
// tables. Wallet rows are locked with SELECT ... FOR UPDATE in id order.
type Postgres struct {
	db   *pgxpool.Pool
	opts options
}

var _ Ledger = (*Postgres)(nil)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgres returns a ledger using db. The schema is created by the
// postgres package migrations.
func NewPostgres(db *pgxpool.Pool, opts ...Option) *Postgres {
	return &Postgres{db: db, opts: newOptions(opts)}
}

const walletColumns = "id, owner, role, currency, available, blocked, status, address, created_at, updated_at"

const holdColumns = "id, wallet_id, owner, request_id, amount, state, created_at, closed_at"

const entryColumns = "id, wallet_id, owner, role, kind, available_delta, blocked_delta, ref_type, ref_id, created_at"

func scanWallet(row pgx.Row) (*Wallet, error) {
	var (
		w                  Wallet
		role, status       string
		available, blocked int64
	)
	if err := row.Scan(&w.ID, &w.Owner, &role, &w.Currency, &available, &blocked, &status, &w.Address, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Role, w.Status = Role(role), Status(status)
	w.Available, w.Blocked = paygate.Amount(available), paygate.Amount(blocked)
	return &w, nil
}

func scanHold(row pgx.Row) (*Hold, error) {
	var (
		h      Hold
		state  string
		amount int64
	)
	if err := row.Scan(&h.ID, &h.WalletID, &h.Owner, &h.RequestID, &amount, &state, &h.CreatedAt, &h.ClosedAt); err != nil {
		return nil, err
	}
	h.State, h.Amount = HoldState(state), paygate.Amount(amount)
	return &h, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e                  Entry
		role, kind         string
		available, blocked int64
	)
	err := row.Scan(&e.ID, &e.WalletID, &e.Owner, &role, &kind, &available, &blocked, &e.RefType, &e.RefID, &e.CreatedAt)
	e.Role, e.Kind = Role(role), EntryKind(kind)
	e.Available, e.Blocked = paygate.Amount(available), paygate.Amount(blocked)
	return e, err
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("ledger: tx begin failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: tx commit failed: %w", err)
	}
	return nil
}

// ensureWallet creates the wallet row if needed and returns its id.
func (p *Postgres) ensureWallet(ctx context.Context, q querier, owner string, role Role) (string, error) {
	if err := validateOwner(owner, role); err != nil {
		return "", err
	}
	now := p.opts.clock.Now()
	_, err := q.Exec(ctx,
		`INSERT INTO wallets (id, owner, role, currency, available, blocked, status, address, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, 0, 'active', '', $5, $5)
		 ON CONFLICT (owner, role) DO NOTHING`,
		newID("w"), owner, string(role), Currency, now)
	if err != nil {
		return "", fmt.Errorf("ledger: wallet insert failed: %w", err)
	}
	var id string
	if err := q.QueryRow(ctx, "SELECT id FROM wallets WHERE owner = $1 AND role = $2", owner, string(role)).Scan(&id); err != nil {
		return "", fmt.Errorf("ledger: wallet lookup failed: %w", err)
	}
	return id, nil
}

// lockWallets locks the given wallet rows in id order.
func lockWallets(ctx context.Context, tx pgx.Tx, ids ...string) (map[string]*Wallet, error) {
	rows, err := tx.Query(ctx, "SELECT "+walletColumns+" FROM wallets WHERE id = ANY($1) ORDER BY id FOR UPDATE", ids)
	if err != nil {
		return nil, fmt.Errorf("ledger: lock acquisition failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Wallet, len(ids))
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out[w.ID] = w
	}
	return out, rows.Err()
}

func (p *Postgres) lockOne(ctx context.Context, tx pgx.Tx, owner string, role Role) (*Wallet, error) {
	id, err := p.ensureWallet(ctx, tx, owner, role)
	if err != nil {
		return nil, err
	}
	ws, err := lockWallets(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return ws[id], nil
}

func (p *Postgres) applyDelta(ctx context.Context, tx pgx.Tx, w *Wallet, available, blocked paygate.Amount) error {
	now := p.opts.clock.Now()
	_, err := tx.Exec(ctx,
		"UPDATE wallets SET available = available + $1, blocked = blocked + $2, updated_at = $3 WHERE id = $4",
		int64(available), int64(blocked), now, w.ID)
	if err != nil {
		return fmt.Errorf("ledger: balance update failed: %w", err)
	}
	w.Available += available
	w.Blocked += blocked
	w.UpdatedAt = now
	return nil
}

func (p *Postgres) insertEntry(ctx context.Context, tx pgx.Tx, w *Wallet, kind EntryKind, available, blocked paygate.Amount, ref Ref) (Entry, error) {
	e := Entry{
		ID:        newID("le"),
		WalletID:  w.ID,
		Owner:     w.Owner,
		Role:      w.Role,
		Kind:      kind,
		Available: available,
		Blocked:   blocked,
		RefType:   ref.Type,
		RefID:     ref.ID,
		CreatedAt: p.opts.clock.Now(),
	}
	_, err := tx.Exec(ctx,
		"INSERT INTO ledger_entries ("+entryColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		e.ID, e.WalletID, e.Owner, string(e.Role), string(e.Kind), int64(available), int64(blocked), e.RefType, e.RefID, e.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: entry insert failed: %w", err)
	}
	return e, nil
}

func findRef(ctx context.Context, tx pgx.Tx, walletID string, kind EntryKind, ref Ref) (*Entry, error) {
	if ref.ID == "" {
		return nil, nil
	}
	e, err := scanEntry(tx.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE ref_type = $1 AND ref_id = $2 AND wallet_id = $3 AND kind = $4",
		ref.Type, ref.ID, walletID, string(kind)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: reference lookup failed: %w", err)
	}
	return &e, nil
}

func (p *Postgres) Wallet(ctx context.Context, owner string, role Role) (*Wallet, error) {
	id, err := p.ensureWallet(ctx, p.db, owner, role)
	if err != nil {
		return nil, err
	}
	return scanWallet(p.db.QueryRow(ctx, "SELECT "+walletColumns+" FROM wallets WHERE id = $1", id))
}

func (p *Postgres) SetStatus(ctx context.Context, owner string, role Role, status Status) error {
	if status != StatusActive && status != StatusFrozen {
		return fmt.Errorf("ledger: invalid wallet status %q", status)
	}
	id, err := p.ensureWallet(ctx, p.db, owner, role)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, "UPDATE wallets SET status = $1, updated_at = $2 WHERE id = $3", string(status), p.opts.clock.Now(), id)
	return err
}

func (p *Postgres) SetAddress(ctx context.Context, owner string, role Role, address string) error {
	id, err := p.ensureWallet(ctx, p.db, owner, role)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, "UPDATE wallets SET address = $1, updated_at = $2 WHERE id = $3", address, p.opts.clock.Now(), id)
	return err
}

func (p *Postgres) Entries(ctx context.Context, owner string, role Role, limit int) ([]Entry, error) {
	id, err := p.ensureWallet(ctx, p.db, owner, role)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE wallet_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
		id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Credit(ctx context.Context, owner string, role Role, amount paygate.Amount, ref Ref) (*Entry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit must be positive", ErrInvalidAmount)
	}
	var out *Entry
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		w, err := p.lockOne(ctx, tx, owner, role)
		if err != nil {
			return err
		}
		if out, err = findRef(ctx, tx, w.ID, KindCredit, ref); err != nil || out != nil {
			return err
		}
		if err := p.applyDelta(ctx, tx, w, amount, 0); err != nil {
			return err
		}
		e, err := p.insertEntry(ctx, tx, w, KindCredit, amount, 0, ref)
		out = &e
		return err
	})
	return out, err
}

func (p *Postgres) Debit(ctx context.Context, owner string, role Role, amount paygate.Amount, ref Ref) (*Entry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit must be positive", ErrInvalidAmount)
	}
	var out *Entry
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		w, err := p.lockOne(ctx, tx, owner, role)
		if err != nil {
			return err
		}
		if out, err = findRef(ctx, tx, w.ID, KindDebit, ref); err != nil || out != nil {
			return err
		}
		if w.Status == StatusFrozen {
			return ErrWalletFrozen
		}
		if w.Available < amount {
			return fmt.Errorf("%w: available %s, need %s", ErrInsufficientFunds, w.Available, amount)
		}
		if err := p.applyDelta(ctx, tx, w, -amount, 0); err != nil {
			return err
		}
		e, err := p.insertEntry(ctx, tx, w, KindDebit, -amount, 0, ref)
		out = &e
		return err
	})
	return out, err
}

func (p *Postgres) CreateHold(ctx context.Context, owner, requestID string, amount paygate.Amount) (*Hold, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: hold must be positive", ErrInvalidAmount)
	}
	if requestID == "" {
		return nil, fmt.Errorf("ledger: request id is required")
	}
	var out *Hold
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		w, err := p.lockOne(ctx, tx, owner, RolePayer)
		if err != nil {
			return err
		}

		existing, err := scanHold(tx.QueryRow(ctx, "SELECT "+holdColumns+" FROM holds WHERE request_id = $1", requestID))
		switch {
		case err == nil:
			if existing.WalletID != w.ID {
				return fmt.Errorf("ledger: request %s is held by another wallet", requestID)
			}
			out = existing
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("ledger: hold lookup failed: %w", err)
		}

		if w.Status == StatusFrozen {
			return ErrWalletFrozen
		}
		if w.Available < amount {
			return fmt.Errorf("%w: available %s, need %s", ErrInsufficientFunds, w.Available, amount)
		}
		if err := p.applyDelta(ctx, tx, w, -amount, amount); err != nil {
			return err
		}

		h := &Hold{
			ID:        newID("hold"),
			WalletID:  w.ID,
			Owner:     owner,
			RequestID: requestID,
			Amount:    amount,
			State:     HoldOpen,
			CreatedAt: p.opts.clock.Now(),
		}
		_, err = tx.Exec(ctx,
			"INSERT INTO holds ("+holdColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)",
			h.ID, h.WalletID, h.Owner, h.RequestID, int64(h.Amount), string(h.State), h.CreatedAt)
		if err != nil {
			return fmt.Errorf("ledger: hold insert failed: %w", err)
		}
		if _, err := p.insertEntry(ctx, tx, w, KindHold, -amount, amount, Ref{Type: RefRequest, ID: requestID}); err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

func (p *Postgres) CaptureHold(ctx context.Context, holdID string, final paygate.Amount, recipient string, fee paygate.Amount) (*Capture, error) {
	var out *Capture
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		h, err := p.loadHold(ctx, tx, holdID, false)
		if err != nil {
			return err
		}
		payeeID, err := p.ensureWallet(ctx, tx, recipient, RolePayout)
		if err != nil {
			return err
		}
		sinkID, err := p.ensureWallet(ctx, tx, p.opts.feeOwner, RolePayout)
		if err != nil {
			return err
		}
		ws, err := lockWallets(ctx, tx, h.WalletID, payeeID, sinkID)
		if err != nil {
			return err
		}
		// Re-read under the wallet lock; the state may have moved.
		if h, err = p.loadHold(ctx, tx, holdID, true); err != nil {
			return err
		}

		switch h.State {
		case HoldCaptured:
			out, err = loadCapture(ctx, tx, h)
			return err
		case HoldReleased:
			return fmt.Errorf("%w: %s", ErrHoldReleased, holdID)
		}
		if err := validateCapture(h, final, fee); err != nil {
			return err
		}

		ref := Ref{Type: RefHold, ID: holdID}
		holder := ws[h.WalletID]
		surplus := h.Amount - final
		if err := p.applyDelta(ctx, tx, holder, surplus, -h.Amount); err != nil {
			return err
		}
		if _, err := p.insertEntry(ctx, tx, holder, KindCapture, surplus, -h.Amount, ref); err != nil {
			return err
		}

		payout := final - fee
		if payout > 0 {
			if err := p.applyDelta(ctx, tx, ws[payeeID], payout, 0); err != nil {
				return err
			}
			if _, err := p.insertEntry(ctx, tx, ws[payeeID], KindPayout, payout, 0, ref); err != nil {
				return err
			}
		}
		if fee > 0 {
			if err := p.applyDelta(ctx, tx, ws[sinkID], fee, 0); err != nil {
				return err
			}
			if _, err := p.insertEntry(ctx, tx, ws[sinkID], KindFee, fee, 0, ref); err != nil {
				return err
			}
		}

		now := p.opts.clock.Now()
		_, err = tx.Exec(ctx,
			"UPDATE holds SET state = $1, closed_at = $2, final_amount = $3, fee = $4, recipient = $5 WHERE id = $6",
			string(HoldCaptured), now, int64(final), int64(fee), recipient, holdID)
		if err != nil {
			return fmt.Errorf("ledger: hold update failed: %w", err)
		}
		h.State, h.ClosedAt = HoldCaptured, &now
		out = &Capture{Hold: *h, Recipient: recipient, Final: final, Fee: fee, Payout: payout, Surplus: surplus}
		return nil
	})
	return out, err
}

func (p *Postgres) loadHold(ctx context.Context, tx pgx.Tx, holdID string, forUpdate bool) (*Hold, error) {
	q := "SELECT " + holdColumns + " FROM holds WHERE id = $1"
	if forUpdate {
		q += " FOR UPDATE"
	}
	h, err := scanHold(tx.QueryRow(ctx, q, holdID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: hold lookup failed: %w", err)
	}
	return h, nil
}

func loadCapture(ctx context.Context, tx pgx.Tx, h *Hold) (*Capture, error) {
	var final, fee int64
	var recipient string
	err := tx.QueryRow(ctx, "SELECT final_amount, fee, recipient FROM holds WHERE id = $1", h.ID).Scan(&final, &fee, &recipient)
	if err != nil {
		return nil, fmt.Errorf("ledger: capture lookup failed: %w", err)
	}
	return &Capture{
		Hold:      *h,
		Recipient: recipient,
		Final:     paygate.Amount(final),
		Fee:       paygate.Amount(fee),
		Payout:    paygate.Amount(final - fee),
		Surplus:   h.Amount - paygate.Amount(final),
	}, nil
}

func (p *Postgres) ReleaseHold(ctx context.Context, holdID string) (*Hold, error) {
	h, _, err := p.release(ctx, holdID)
	return h, err
}

// release returns the hold and whether this call closed it.
func (p *Postgres) release(ctx context.Context, holdID string) (*Hold, bool, error) {
	var (
		out    *Hold
		closed bool
	)
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		h, err := p.loadHold(ctx, tx, holdID, false)
		if err != nil {
			return err
		}
		ws, err := lockWallets(ctx, tx, h.WalletID)
		if err != nil {
			return err
		}
		if h, err = p.loadHold(ctx, tx, holdID, true); err != nil {
			return err
		}
		out = h
		if h.State != HoldOpen {
			return nil
		}

		w := ws[h.WalletID]
		if err := p.applyDelta(ctx, tx, w, h.Amount, -h.Amount); err != nil {
			return err
		}
		if _, err := p.insertEntry(ctx, tx, w, KindRelease, h.Amount, -h.Amount, Ref{Type: RefHold, ID: holdID}); err != nil {
			return err
		}
		now := p.opts.clock.Now()
		if _, err := tx.Exec(ctx, "UPDATE holds SET state = $1, closed_at = $2 WHERE id = $3", string(HoldReleased), now, holdID); err != nil {
			return fmt.Errorf("ledger: hold update failed: %w", err)
		}
		h.State, h.ClosedAt = HoldReleased, &now
		closed = true
		return nil
	})
	return out, closed, err
}

func (p *Postgres) Hold(ctx context.Context, holdID string) (*Hold, error) {
	h, err := scanHold(p.db.QueryRow(ctx, "SELECT "+holdColumns+" FROM holds WHERE id = $1", holdID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
	}
	return h, err
}

func (p *Postgres) ExpireStale(ctx context.Context, cutoff time.Time) ([]Hold, error) {
	rows, err := p.db.Query(ctx,
		"SELECT id FROM holds WHERE state = 'open' AND created_at < $1 ORDER BY created_at LIMIT 500", cutoff)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	var released []Hold
	for _, id := range ids {
		h, closed, err := p.release(ctx, id)
		if err != nil {
			return released, err
		}
		if closed {
			released = append(released, *h)
		}
	}
	return released, nil
}
