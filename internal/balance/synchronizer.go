package balance

import (
	"StakeFlow/internal/gateway"
	fpmath "StakeFlow/internal/math"
	"StakeFlow/internal/observability"
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config describes what the synchronizer tracks.
type Config struct {
	Tokens         []gateway.TokenRef
	Methods        gateway.Methods
	StakePrecision fpmath.Precision
	DisplayPlaces  int32
	MaxParallel    int // 0 means one goroutine per read
}

// Synchronizer caches per-account balances and stake positions and
// refreshes them with concurrent, independent reads.
type Synchronizer struct {
	gw      gateway.Gateway
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	accounts map[common.Address]*accountCache

	// gens invalidates refreshes that started before a Discard. Entries
	// live only while the account has refreshes in flight.
	gens     map[common.Address]uint64
	inflight map[common.Address]int
}

type accountCache struct {
	balances map[string]BalanceSnapshot
	position StakePosition
}

// read is one independent ledger read. fetch runs without the lock; the
// returned apply runs under it.
type read struct {
	key   string
	fetch func(ctx context.Context) (func(c *accountCache, at time.Time), error)
}

func NewSynchronizer(gw gateway.Gateway, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Synchronizer {
	if cfg.DisplayPlaces <= 0 {
		cfg.DisplayPlaces = 2
	}
	return &Synchronizer{
		gw:       gw,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		accounts: make(map[common.Address]*accountCache),
		gens:     make(map[common.Address]uint64),
		inflight: make(map[common.Address]int),
	}
}

// TokenKeys returns the configured token keys in order.
func (s *Synchronizer) TokenKeys() []string {
	keys := make([]string, len(s.cfg.Tokens))
	for i, t := range s.cfg.Tokens {
		keys[i] = t.Key
	}
	return keys
}

// RefreshBalances reads the given token balances (all configured tokens
// when none are named) concurrently. A failed read leaves that token's
// previous snapshot in place and is listed in the report.
func (s *Synchronizer) RefreshBalances(ctx context.Context, account common.Address, keys ...string) (map[string]BalanceSnapshot, *RefreshReport) {
	if len(keys) == 0 {
		keys = s.TokenKeys()
	}
	report := s.run(ctx, "balances", account, keys)
	return s.balancesFor(account, keys), report
}

// RefreshStakePosition reads the staked amount and the available reward
// concurrently. Each field is updated independently.
func (s *Synchronizer) RefreshStakePosition(ctx context.Context, account common.Address) (StakePosition, *RefreshReport) {
	report := s.run(ctx, "position", account, []string{KeyStaked, KeyReward})
	pos, _ := s.Position(account)
	return pos, report
}

// RefreshReward reads only the available reward.
func (s *Synchronizer) RefreshReward(ctx context.Context, account common.Address) (StakePosition, *RefreshReport) {
	report := s.run(ctx, "reward", account, []string{KeyReward})
	pos, _ := s.Position(account)
	return pos, report
}

// RefreshAll refreshes every token balance and the stake position in a
// single fan-out, so latency is bounded by the slowest read.
func (s *Synchronizer) RefreshAll(ctx context.Context, account common.Address) *RefreshReport {
	keys := append(s.TokenKeys(), KeyStaked, KeyReward)
	return s.run(ctx, "all", account, keys)
}

// Refresh reads an arbitrary mix of token keys and position keys.
func (s *Synchronizer) Refresh(ctx context.Context, account common.Address, keys ...string) *RefreshReport {
	return s.run(ctx, "custom", account, keys)
}

// Snapshot returns a deep copy of everything cached for account.
func (s *Synchronizer) Snapshot(account common.Address) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Account: account, Balances: make(map[string]BalanceSnapshot)}
	c, ok := s.accounts[account]
	if !ok {
		return snap, false
	}
	for k, b := range c.balances {
		snap.Balances[k] = b.clone()
	}
	snap.Position = c.position.clone()
	return snap, true
}

// Position returns the cached stake position.
func (s *Synchronizer) Position(account common.Address) (StakePosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.accounts[account]
	if !ok {
		return StakePosition{}, false
	}
	return c.position.clone(), true
}

// Discard drops the account's cache. Refreshes still in flight for the
// account finish but their results are thrown away.
func (s *Synchronizer) Discard(account common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, account)
	if s.inflight[account] > 0 {
		s.gens[account]++
	}
}

// FormatPosition renders the stake position at display precision.
func (s *Synchronizer) FormatPosition(p StakePosition) (staked, reward string) {
	format := func(v *big.Int) string {
		if v == nil {
			return ""
		}
		return s.cfg.StakePrecision.Format(v, s.cfg.DisplayPlaces, fpmath.RoundDown)
	}
	return format(p.Staked), format(p.AvailableReward)
}

func (s *Synchronizer) run(ctx context.Context, scope string, account common.Address, keys []string) *RefreshReport {
	start := time.Now()
	report := newReport(keys)

	s.mu.Lock()
	gen := s.gens[account]
	s.inflight[account]++
	s.mu.Unlock()
	defer s.release(account)

	var (
		g        errgroup.Group
		reportMu sync.Mutex
	)
	if s.cfg.MaxParallel > 0 {
		g.SetLimit(s.cfg.MaxParallel)
	}

	fail := func(key string, err error) {
		reportMu.Lock()
		report.Failed[key] = err
		reportMu.Unlock()
		if s.metrics != nil {
			s.metrics.RefreshFailures.WithLabelValues(key).Inc()
		}
		s.logger.Warn().
			Str("account", account.Hex()).
			Str("key", key).
			Err(err).
			Msg("refresh read failed, keeping previous value")
	}

	for _, key := range keys {
		r, err := s.readFor(account, key)
		if err != nil {
			fail(key, err)
			continue
		}
		g.Go(func() error {
			apply, err := r.fetch(ctx)
			if err != nil {
				fail(r.key, err)
				return nil
			}
			if !s.store(account, gen, apply) {
				reportMu.Lock()
				report.Discarded = true
				reportMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.metrics != nil {
		s.metrics.RefreshTotal.WithLabelValues(scope).Inc()
		s.metrics.RefreshDuration.WithLabelValues(scope).Observe(time.Since(start).Seconds())
	}
	s.logger.Debug().
		Str("account", account.Hex()).
		Str("scope", scope).
		Stringer("result", report).
		Dur("took", time.Since(start)).
		Msg("refresh complete")

	return report
}

func (s *Synchronizer) release(account common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[account]--
	if s.inflight[account] <= 0 {
		delete(s.inflight, account)
		delete(s.gens, account)
	}
}

// store applies one read result unless the account was discarded after
// the refresh started.
func (s *Synchronizer) store(account common.Address, gen uint64, apply func(*accountCache, time.Time)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[account] != gen {
		return false
	}
	c, ok := s.accounts[account]
	if !ok {
		c = &accountCache{balances: make(map[string]BalanceSnapshot)}
		s.accounts[account] = c
	}
	apply(c, s.now())
	return true
}

func (s *Synchronizer) readFor(account common.Address, key string) (read, error) {
	switch key {
	case KeyStaked:
		return read{key: key, fetch: s.positionRead(account, s.cfg.Methods.StakedBalance, func(c *accountCache, v *big.Int, at time.Time) {
			c.position.Staked = v
			c.position.StakedUpdatedAt = at
		})}, nil
	case KeyReward:
		return read{key: key, fetch: s.positionRead(account, s.cfg.Methods.AvailableReward, func(c *accountCache, v *big.Int, at time.Time) {
			c.position.AvailableReward = v
			c.position.RewardUpdatedAt = at
		})}, nil
	}

	for _, t := range s.cfg.Tokens {
		if t.Key == key {
			return read{key: key, fetch: s.tokenRead(account, t)}, nil
		}
	}
	return read{}, fmt.Errorf("unknown balance key %q", key)
}

func (s *Synchronizer) positionRead(account common.Address, method string, set func(*accountCache, *big.Int, time.Time)) func(context.Context) (func(*accountCache, time.Time), error) {
	return func(ctx context.Context) (func(*accountCache, time.Time), error) {
		out, err := s.gw.Call(ctx, gateway.ContractStaking, method, account)
		if err != nil {
			return nil, err
		}
		v, err := gateway.BigIntResult(out)
		if err != nil {
			return nil, &gateway.RPCError{Contract: gateway.ContractStaking, Method: method, Err: err}
		}
		return func(c *accountCache, at time.Time) { set(c, v, at) }, nil
	}
}

func (s *Synchronizer) tokenRead(account common.Address, token gateway.TokenRef) func(context.Context) (func(*accountCache, time.Time), error) {
	return func(ctx context.Context) (func(*accountCache, time.Time), error) {
		tb, err := s.gw.TokenBalance(ctx, token, account)
		if err != nil {
			return nil, err
		}
		prec := fpmath.Precision{Decimals: int32(tb.Decimals)}
		snap := BalanceSnapshot{
			Token:     token.Key,
			Symbol:    tb.Symbol,
			Formatted: prec.Format(tb.Raw, s.cfg.DisplayPlaces, fpmath.RoundDown),
			Raw:       new(big.Int).Set(tb.Raw),
			Decimals:  tb.Decimals,
		}
		return func(c *accountCache, at time.Time) {
			snap.UpdatedAt = at
			c.balances[token.Key] = snap
		}, nil
	}
}

func (s *Synchronizer) balancesFor(account common.Address, keys []string) map[string]BalanceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]BalanceSnapshot, len(keys))
	c, ok := s.accounts[account]
	if !ok {
		return out
	}
	for _, k := range keys {
		if b, ok := c.balances[k]; ok {
			out[k] = b.clone()
		}
	}
	return out
}
