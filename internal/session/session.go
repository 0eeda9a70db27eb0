package session

import (
	"StakeFlow/internal/balance"
	"StakeFlow/internal/core"
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNoAccount is returned by a session whose account is absent.
var ErrNoAccount = core.ErrNoAccount

// Session is the explicit context for one connected account. The account
// is fixed for the session's lifetime; Disconnect makes it absent.
type Session struct {
	orch   *core.Orchestrator
	sync   *balance.Synchronizer
	logger zerolog.Logger

	mu          sync.RWMutex
	account     common.Address
	connected   bool
	startedAt   time.Time
	unsubscribe []func()
}

// View is a read-only snapshot for rendering.
type View struct {
	Account  common.Address
	State    core.State
	Balances map[string]balance.BalanceSnapshot
	Position balance.StakePosition
	Fresh    bool // false until the first refresh stored anything
}

func New(account common.Address, orch *core.Orchestrator, sync *balance.Synchronizer, logger zerolog.Logger) (*Session, error) {
	if account == (common.Address{}) {
		return nil, ErrNoAccount
	}
	return &Session{
		orch:      orch,
		sync:      sync,
		logger:    logger.With().Str("account", account.Hex()).Logger(),
		account:   account,
		connected: true,
		startedAt: time.Now(),
	}, nil
}

// Start performs the initial refresh. Caches start empty; nothing is
// restored from a previous session.
func (s *Session) Start(ctx context.Context) (*balance.RefreshReport, error) {
	account, err := s.Account()
	if err != nil {
		return nil, err
	}
	report := s.sync.RefreshAll(ctx, account)
	if !report.OK() {
		s.logger.Warn().Str("refresh", report.String()).Msg("initial refresh incomplete")
	}
	return report, nil
}

// Account returns the bound account, or ErrNoAccount after Disconnect.
func (s *Session) Account() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return common.Address{}, ErrNoAccount
	}
	return s.account, nil
}

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

func (s *Session) RequestStake(ctx context.Context, amount decimal.Decimal) (*core.Result, error) {
	return s.Submit(ctx, core.StakeRequest(amount))
}

func (s *Session) RequestWithdraw(ctx context.Context, amount decimal.Decimal) (*core.Result, error) {
	return s.Submit(ctx, core.WithdrawRequest(amount))
}

func (s *Session) RequestHarvest(ctx context.Context) (*core.Result, error) {
	return s.Submit(ctx, core.HarvestRequest())
}

// Submit forwards req to the orchestrator for the bound account.
func (s *Session) Submit(ctx context.Context, req core.Request) (*core.Result, error) {
	account, err := s.Account()
	if err != nil {
		return nil, err
	}
	return s.orch.Submit(ctx, account, req)
}

// GetSnapshot returns the cached balances, stake position and machine
// state.
func (s *Session) GetSnapshot() (View, error) {
	account, err := s.Account()
	if err != nil {
		return View{}, err
	}
	snap, fresh := s.sync.Snapshot(account)
	return View{
		Account:  account,
		State:    s.orch.State(account),
		Balances: snap.Balances,
		Position: snap.Position,
		Fresh:    fresh,
	}, nil
}

// OnStateChange subscribes l to this session's account only. The
// subscription ends on Disconnect or when the returned func is called.
func (s *Session) OnStateChange(l core.Listener) (func(), error) {
	account, err := s.Account()
	if err != nil {
		return nil, err
	}
	unsubscribe := s.orch.OnStateChange(func(st core.State) {
		if st.Account == account {
			l(st)
		}
	})

	s.mu.Lock()
	s.unsubscribe = append(s.unsubscribe, unsubscribe)
	s.mu.Unlock()
	return unsubscribe, nil
}

// Disconnect makes the account absent: the machine resets to Idle, the
// cached balances are discarded and later requests fail with
// ErrNoAccount. Calling it twice is a no-op.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	account := s.account
	subs := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	s.orch.Reset(account)
	for _, unsubscribe := range subs {
		unsubscribe()
	}
	s.logger.Info().Dur("lifetime", time.Since(s.startedAt)).Msg("session disconnected")
}
