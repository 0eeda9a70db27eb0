package balance

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Keys for the stake-position figures. Token balances are keyed by
// gateway.TokenRef.Key.
const (
	KeyStaked = "staked"
	KeyReward = "reward"
)

// BalanceSnapshot is one token balance as last read from the ledger.
// A snapshot is replaced whole or not at all.
type BalanceSnapshot struct {
	Token     string
	Symbol    string
	Formatted string
	Raw       *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// StakePosition holds the staking-pool figures for one account. A nil
// field has never been read successfully.
type StakePosition struct {
	Staked          *big.Int
	AvailableReward *big.Int
	StakedUpdatedAt time.Time
	RewardUpdatedAt time.Time
}

// Known reports whether the staked figure has been read at least once.
func (p StakePosition) Known() bool {
	return p.Staked != nil
}

func (p StakePosition) clone() StakePosition {
	out := p
	if p.Staked != nil {
		out.Staked = new(big.Int).Set(p.Staked)
	}
	if p.AvailableReward != nil {
		out.AvailableReward = new(big.Int).Set(p.AvailableReward)
	}
	return out
}

func (s BalanceSnapshot) clone() BalanceSnapshot {
	if s.Raw != nil {
		s.Raw = new(big.Int).Set(s.Raw)
	}
	return s
}

// Snapshot is the read-only view handed to callers.
type Snapshot struct {
	Account  common.Address
	Balances map[string]BalanceSnapshot
	Position StakePosition
}

// RefreshReport lists the keys whose reads failed. Failed keys keep their
// previous value. Discarded is set when the account was discarded while
// the refresh ran and none of its results were stored.
type RefreshReport struct {
	Requested []string
	Failed    map[string]error
	Discarded bool
}

func newReport(keys []string) *RefreshReport {
	return &RefreshReport{Requested: keys, Failed: make(map[string]error)}
}

// OK reports whether every requested key was refreshed.
func (r *RefreshReport) OK() bool {
	return r != nil && len(r.Failed) == 0 && !r.Discarded
}

// FailedKeys returns the failed keys in sorted order.
func (r *RefreshReport) FailedKeys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, 0, len(r.Failed))
	for k := range r.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Err joins the per-key failures, or returns nil.
func (r *RefreshReport) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, k := range r.FailedKeys() {
		errs = append(errs, fmt.Errorf("%s: %w", k, r.Failed[k]))
	}
	return errors.Join(errs...)
}

func (r *RefreshReport) String() string {
	if r == nil {
		return "none"
	}
	if r.OK() {
		return "ok"
	}
	if r.Discarded {
		return "discarded"
	}
	return "stale: " + strings.Join(r.FailedKeys(), ",")
}
