package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/polycrawl/paygate"
)

// Cap windows.
const (
	WeeklyWindow = 7 * 24 * time.Hour
	DailyWindow  = 24 * time.Hour
)

// Caps are spending limits for one user. Nil limits are not enforced.
type Caps struct {
	WeeklyGlobal     *paygate.Amount           `json:"weeklyGlobal,omitempty"`
	DailyPerResource *paygate.Amount           `json:"dailyPerResource,omitempty"`
	PerMode          map[string]paygate.Amount `json:"perMode,omitempty"`
}

// IsZero reports whether no cap is configured.
func (c Caps) IsZero() bool {
	return c.WeeklyGlobal == nil && c.DailyPerResource == nil && len(c.PerMode) == 0
}

// CapStore returns the caps that apply to a user.
type CapStore interface {
	Caps(ctx context.Context, user string) (Caps, error)
	SetCaps(ctx context.Context, user string, caps Caps) error
}

// SpendFilter narrows SettledSpend to one resource or one mode.
type SpendFilter struct {
	ResourceID string
	Mode       string
}

// SpendHistory sums the cost of a user's settled requests since a time.
type SpendHistory interface {
	SettledSpend(ctx context.Context, user string, since time.Time, f SpendFilter) (paygate.Amount, error)
}

// StaticCaps applies one default to every user unless a per-user override
// has been set.
type StaticCaps struct {
	defaults Caps

	mu    sync.RWMutex
	users map[string]Caps
}

// NewStaticCaps returns a store that answers defaults for unknown users.
func NewStaticCaps(defaults Caps) *StaticCaps {
	return &StaticCaps{defaults: defaults, users: make(map[string]Caps)}
}

func (s *StaticCaps) Caps(_ context.Context, user string) (Caps, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.users[user]; ok {
		return c, nil
	}
	return s.defaults, nil
}

func (s *StaticCaps) SetCaps(_ context.Context, user string, caps Caps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user] = caps
	return nil
}

// PostgresCapStore reads per-user caps from user_caps and falls back to
// defaults when a user has no row.
type PostgresCapStore struct {
	db       *pgxpool.Pool
	defaults Caps
}

func NewPostgresCapStore(db *pgxpool.Pool, defaults Caps) *PostgresCapStore {
	return &PostgresCapStore{db: db, defaults: defaults}
}

func (s *PostgresCapStore) Caps(ctx context.Context, user string) (Caps, error) {
	var (
		weekly, daily *int64
		perMode       []byte
	)
	err := s.db.QueryRow(ctx,
		"SELECT weekly_global, daily_per_resource, per_mode FROM user_caps WHERE user_id = $1", user,
	).Scan(&weekly, &daily, &perMode)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.defaults, nil
	}
	if err != nil {
		return Caps{}, fmt.Errorf("caps lookup failed: %w", err)
	}

	var c Caps
	if weekly != nil {
		a := paygate.Amount(*weekly)
		c.WeeklyGlobal = &a
	}
	if daily != nil {
		a := paygate.Amount(*daily)
		c.DailyPerResource = &a
	}
	if len(perMode) > 0 {
		if err := json.Unmarshal(perMode, &c.PerMode); err != nil {
			return Caps{}, fmt.Errorf("caps per_mode: %w", err)
		}
	}
	return c, nil
}

func (s *PostgresCapStore) SetCaps(ctx context.Context, user string, caps Caps) error {
	var weekly, daily *int64
	if caps.WeeklyGlobal != nil {
		v := int64(*caps.WeeklyGlobal)
		weekly = &v
	}
	if caps.DailyPerResource != nil {
		v := int64(*caps.DailyPerResource)
		daily = &v
	}
	var perMode []byte
	if len(caps.PerMode) > 0 {
		b, err := json.Marshal(caps.PerMode)
		if err != nil {
			return err
		}
		perMode = b
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO user_caps (user_id, weekly_global, daily_per_resource, per_mode, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (user_id) DO UPDATE
		 SET weekly_global = EXCLUDED.weekly_global,
		     daily_per_resource = EXCLUDED.daily_per_resource,
		     per_mode = EXCLUDED.per_mode,
		     updated_at = now()`,
		user, weekly, daily, perMode)
	return err
}

// CapChecker admits requests against a user's caps. Spend in flight is
// counted alongside settled spend, so concurrent requests from one user
// cannot jointly exceed a cap.
type CapChecker struct {
	store   CapStore
	history SpendHistory
	clock   clock.Clock

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	mu       sync.Mutex
	inflight map[*Reservation]struct{}
	refs     int // guarded by CapChecker.mu
}

// NewCapChecker returns a checker. A nil clock uses wall time.
func NewCapChecker(store CapStore, history SpendHistory, clk clock.Clock) *CapChecker {
	if clk == nil {
		clk = clock.New()
	}
	return &CapChecker{store: store, history: history, clock: clk, users: make(map[string]*userState)}
}

// Reservation is estimated spend admitted by Reserve. It is counted until
// Release.
type Reservation struct {
	checker    *CapChecker
	state      *userState
	user       string
	resourceID string
	mode       string
	amount     paygate.Amount
	at         time.Time
	once       sync.Once
}

// Amount returns the reserved estimate.
func (r *Reservation) Amount() paygate.Amount {
	if r == nil {
		return 0
	}
	return r.amount
}

// Release stops counting the reservation. Safe to call more than once and
// on a nil Reservation.
func (r *Reservation) Release() {
	if r == nil || r.checker == nil {
		return
	}
	r.once.Do(func() {
		r.state.mu.Lock()
		delete(r.state.inflight, r)
		r.state.mu.Unlock()
		r.checker.unref(r.user, r.state)
	})
}

func (c *CapChecker) ref(user string) *userState {
	c.mu.Lock()
	defer c.mu.Unlock()
	us, ok := c.users[user]
	if !ok {
		us = &userState{inflight: make(map[*Reservation]struct{})}
		c.users[user] = us
	}
	us.refs++
	return us
}

func (c *CapChecker) unref(user string, us *userState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	us.refs--
	if us.refs == 0 {
		delete(c.users, user)
	}
}

type capCheck struct {
	code   paygate.Code
	limit  paygate.Amount
	window time.Duration
	filter SpendFilter
}

func (c *CapChecker) checks(caps Caps, resourceID, mode string) []capCheck {
	var out []capCheck
	if caps.WeeklyGlobal != nil {
		out = append(out, capCheck{paygate.CodeWeeklyCapExceeded, *caps.WeeklyGlobal, WeeklyWindow, SpendFilter{}})
	}
	if caps.DailyPerResource != nil {
		out = append(out, capCheck{paygate.CodeDailyResourceCapExceeded, *caps.DailyPerResource, DailyWindow, SpendFilter{ResourceID: resourceID}})
	}
	if limit, ok := caps.PerMode[mode]; ok {
		out = append(out, capCheck{paygate.CodeModeCapExceeded, limit, DailyWindow, SpendFilter{Mode: mode}})
	}
	return out
}

// Reserve admits est against every configured cap or returns a PolicyDenied
// error carrying the limit and current usage. A zero estimate is always
// admitted.
func (c *CapChecker) Reserve(ctx context.Context, user, resourceID, mode string, est paygate.Amount) (*Reservation, error) {
	if est <= 0 {
		return nil, nil
	}
	caps, err := c.store.Caps(ctx, user)
	if err != nil {
		return nil, err
	}
	checks := c.checks(caps, resourceID, mode)
	if len(checks) == 0 {
		return nil, nil
	}

	us := c.ref(user)
	us.mu.Lock()
	defer us.mu.Unlock()

	now := c.clock.Now()
	for _, chk := range checks {
		since := now.Add(-chk.window)
		settled, err := c.history.SettledSpend(ctx, user, since, chk.filter)
		if err != nil {
			c.unref(user, us)
			return nil, err
		}
		current := settled + inflight(us, since, chk.filter)
		if current+est > chk.limit {
			c.unref(user, us)
			return nil, paygate.Errorf(chk.code, "spending cap of %s would be exceeded", chk.limit).
				WithQuote(est).
				WithCap(chk.limit, current)
		}
	}

	r := &Reservation{
		checker:    c,
		state:      us,
		user:       user,
		resourceID: resourceID,
		mode:       mode,
		amount:     est,
		at:         now,
	}
	us.inflight[r] = struct{}{}
	return r, nil
}

// inflight sums reservations matching f made since the given time. The
// caller holds us.mu.
func inflight(us *userState, since time.Time, f SpendFilter) paygate.Amount {
	var sum paygate.Amount
	for r := range us.inflight {
		if r.at.Before(since) {
			continue
		}
		if f.ResourceID != "" && r.resourceID != f.ResourceID {
			continue
		}
		if f.Mode != "" && r.mode != f.Mode {
			continue
		}
		sum += r.amount
	}
	return sum
}
