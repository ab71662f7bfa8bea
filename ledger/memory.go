package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/polycrawl/paygate"
)

// Memory is an in-process Ledger. Each wallet has its own mutex; operations
// spanning several wallets lock them in wallet id order.
type Memory struct {
	opts options

	// mu guards the indexes below. It is taken after wallet locks, never
	// before, and never held while waiting on a wallet.
	mu        sync.Mutex
	wallets   map[walletKey]*walletCell
	holds     map[string]*holdCell
	byRequest map[string]string
	entries   map[string][]Entry
	refs      map[refKey]Entry
}

type walletKey struct {
	owner string
	role  Role
}

type walletCell struct {
	mu sync.Mutex
	w  Wallet
}

// holdCell fields other than wallet are guarded by wallet.mu.
type holdCell struct {
	wallet  *walletCell
	h       Hold
	capture *Capture
}

type refKey struct {
	refType  string
	refID    string
	walletID string
	kind     EntryKind
}

var _ Ledger = (*Memory)(nil)

// NewMemory returns an empty in-memory ledger.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts:      newOptions(opts),
		wallets:   make(map[walletKey]*walletCell),
		holds:     make(map[string]*holdCell),
		byRequest: make(map[string]string),
		entries:   make(map[string][]Entry),
		refs:      make(map[refKey]Entry),
	}
}

func (m *Memory) cell(owner string, role Role) (*walletCell, error) {
	if err := validateOwner(owner, role); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := walletKey{owner: owner, role: role}
	c, ok := m.wallets[k]
	if !ok {
		now := m.opts.clock.Now()
		c = &walletCell{w: Wallet{
			ID:        newID("w"),
			Owner:     owner,
			Role:      role,
			Currency:  Currency,
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}}
		m.wallets[k] = c
	}
	return c, nil
}

func (m *Memory) hold(holdID string) (*holdCell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hc, ok := m.holds[holdID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
	}
	return hc, nil
}

// record appends an entry for w. The caller holds w's lock.
func (m *Memory) record(w *Wallet, kind EntryKind, available, blocked paygate.Amount, ref Ref) Entry {
	now := m.opts.clock.Now()
	w.UpdatedAt = now
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
		CreatedAt: now,
	}
	m.mu.Lock()
	m.entries[w.ID] = append(m.entries[w.ID], e)
	if ref.ID != "" {
		m.refs[refKey{ref.Type, ref.ID, w.ID, kind}] = e
	}
	m.mu.Unlock()
	return e
}

func (m *Memory) lookupRef(walletID string, kind EntryKind, ref Ref) (Entry, bool) {
	if ref.ID == "" {
		return Entry{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.refs[refKey{ref.Type, ref.ID, walletID, kind}]
	return e, ok
}

// lockCells locks the distinct cells in wallet id order and returns the
// matching unlock.
func lockCells(cells ...*walletCell) func() {
	uniq := make([]*walletCell, 0, len(cells))
	seen := make(map[*walletCell]bool, len(cells))
	for _, c := range cells {
		if c != nil && !seen[c] {
			seen[c] = true
			uniq = append(uniq, c)
		}
	}
	// Wallet ids never change after creation.
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].w.ID < uniq[j].w.ID })
	for _, c := range uniq {
		c.mu.Lock()
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			uniq[i].mu.Unlock()
		}
	}
}

func (m *Memory) Wallet(_ context.Context, owner string, role Role) (*Wallet, error) {
	c, err := m.cell(owner, role)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.w
	return &w, nil
}

func (m *Memory) SetStatus(_ context.Context, owner string, role Role, status Status) error {
	if status != StatusActive && status != StatusFrozen {
		return fmt.Errorf("ledger: invalid wallet status %q", status)
	}
	c, err := m.cell(owner, role)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Status = status
	c.w.UpdatedAt = m.opts.clock.Now()
	return nil
}

func (m *Memory) SetAddress(_ context.Context, owner string, role Role, address string) error {
	c, err := m.cell(owner, role)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Address = address
	c.w.UpdatedAt = m.opts.clock.Now()
	return nil
}

func (m *Memory) Entries(_ context.Context, owner string, role Role, limit int) ([]Entry, error) {
	c, err := m.cell(owner, role)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.entries[c.w.ID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]Entry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *Memory) Credit(_ context.Context, owner string, role Role, amount paygate.Amount, ref Ref) (*Entry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit must be positive", ErrInvalidAmount)
	}
	c, err := m.cell(owner, role)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := m.lookupRef(c.w.ID, KindCredit, ref); ok {
		return &e, nil
	}
	c.w.Available += amount
	e := m.record(&c.w, KindCredit, amount, 0, ref)
	return &e, nil
}

func (m *Memory) Debit(_ context.Context, owner string, role Role, amount paygate.Amount, ref Ref) (*Entry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit must be positive", ErrInvalidAmount)
	}
	c, err := m.cell(owner, role)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := m.lookupRef(c.w.ID, KindDebit, ref); ok {
		return &e, nil
	}
	if c.w.Status == StatusFrozen {
		return nil, ErrWalletFrozen
	}
	if c.w.Available < amount {
		return nil, fmt.Errorf("%w: available %s, need %s", ErrInsufficientFunds, c.w.Available, amount)
	}
	c.w.Available -= amount
	e := m.record(&c.w, KindDebit, -amount, 0, ref)
	return &e, nil
}

func (m *Memory) CreateHold(_ context.Context, owner, requestID string, amount paygate.Amount) (*Hold, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: hold must be positive", ErrInvalidAmount)
	}
	if requestID == "" {
		return nil, fmt.Errorf("ledger: request id is required")
	}
	c, err := m.cell(owner, RolePayer)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m.mu.Lock()
	existing := m.holds[m.byRequest[requestID]]
	m.mu.Unlock()
	if existing != nil {
		if existing.wallet != c {
			return nil, fmt.Errorf("ledger: request %s is held by another wallet", requestID)
		}
		h := existing.h
		return &h, nil
	}

	if c.w.Status == StatusFrozen {
		return nil, ErrWalletFrozen
	}
	if c.w.Available < amount {
		return nil, fmt.Errorf("%w: available %s, need %s", ErrInsufficientFunds, c.w.Available, amount)
	}

	c.w.Available -= amount
	c.w.Blocked += amount
	h := Hold{
		ID:        newID("hold"),
		WalletID:  c.w.ID,
		Owner:     owner,
		RequestID: requestID,
		Amount:    amount,
		State:     HoldOpen,
		CreatedAt: m.opts.clock.Now(),
	}
	m.mu.Lock()
	m.holds[h.ID] = &holdCell{wallet: c, h: h}
	m.byRequest[requestID] = h.ID
	m.mu.Unlock()

	m.record(&c.w, KindHold, -amount, amount, Ref{Type: RefRequest, ID: requestID})
	return &h, nil
}

func (m *Memory) CaptureHold(_ context.Context, holdID string, final paygate.Amount, recipient string, fee paygate.Amount) (*Capture, error) {
	hc, err := m.hold(holdID)
	if err != nil {
		return nil, err
	}
	payee, err := m.cell(recipient, RolePayout)
	if err != nil {
		return nil, err
	}
	sink, err := m.cell(m.opts.feeOwner, RolePayout)
	if err != nil {
		return nil, err
	}
	holder := hc.wallet

	unlock := lockCells(holder, payee, sink)
	defer unlock()

	switch hc.h.State {
	case HoldCaptured:
		c := *hc.capture
		return &c, nil
	case HoldReleased:
		return nil, fmt.Errorf("%w: %s", ErrHoldReleased, holdID)
	}
	if err := validateCapture(&hc.h, final, fee); err != nil {
		return nil, err
	}

	ref := Ref{Type: RefHold, ID: holdID}
	held := hc.h.Amount
	surplus := held - final
	holder.w.Blocked -= held
	holder.w.Available += surplus
	m.record(&holder.w, KindCapture, surplus, -held, ref)

	payout := final - fee
	if payout > 0 {
		payee.w.Available += payout
		m.record(&payee.w, KindPayout, payout, 0, ref)
	}
	if fee > 0 {
		sink.w.Available += fee
		m.record(&sink.w, KindFee, fee, 0, ref)
	}

	now := m.opts.clock.Now()
	hc.h.State = HoldCaptured
	hc.h.ClosedAt = &now
	hc.capture = &Capture{
		Hold:      hc.h,
		Recipient: recipient,
		Final:     final,
		Fee:       fee,
		Payout:    payout,
		Surplus:   surplus,
	}
	c := *hc.capture
	return &c, nil
}

func (m *Memory) ReleaseHold(_ context.Context, holdID string) (*Hold, error) {
	hc, err := m.hold(holdID)
	if err != nil {
		return nil, err
	}
	h, _ := m.release(hc)
	return &h, nil
}

// release returns the hold and whether this call closed it.
func (m *Memory) release(hc *holdCell) (Hold, bool) {
	hc.wallet.mu.Lock()
	defer hc.wallet.mu.Unlock()

	if hc.h.State != HoldOpen {
		return hc.h, false
	}
	w := &hc.wallet.w
	w.Blocked -= hc.h.Amount
	w.Available += hc.h.Amount
	m.record(w, KindRelease, hc.h.Amount, -hc.h.Amount, Ref{Type: RefHold, ID: hc.h.ID})

	now := m.opts.clock.Now()
	hc.h.State = HoldReleased
	hc.h.ClosedAt = &now
	return hc.h, true
}

func (m *Memory) Hold(_ context.Context, holdID string) (*Hold, error) {
	hc, err := m.hold(holdID)
	if err != nil {
		return nil, err
	}
	hc.wallet.mu.Lock()
	defer hc.wallet.mu.Unlock()
	h := hc.h
	return &h, nil
}

func (m *Memory) ExpireStale(_ context.Context, cutoff time.Time) ([]Hold, error) {
	// CreatedAt is immutable, so candidates can be picked without wallet locks.
	m.mu.Lock()
	var candidates []*holdCell
	for _, hc := range m.holds {
		if hc.h.CreatedAt.Before(cutoff) {
			candidates = append(candidates, hc)
		}
	}
	m.mu.Unlock()

	var released []Hold
	for _, hc := range candidates {
		if h, ok := m.release(hc); ok {
			released = append(released, h)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i].CreatedAt.Before(released[j].CreatedAt) })
	return released, nil
}
