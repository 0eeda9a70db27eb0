package core

import (
	"StakeFlow/internal/balance"
	"StakeFlow/internal/gateway"
	fpmath "StakeFlow/internal/math"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Kind discriminates orchestration requests.
type Kind int32

const (
	KindStake Kind = iota + 1
	KindWithdraw
	KindHarvest
)

func (k Kind) String() string {
	switch k {
	case KindStake:
		return "stake"
	case KindWithdraw:
		return "withdraw"
	case KindHarvest:
		return "harvest"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "stake":
		return KindStake, true
	case "withdraw":
		return KindWithdraw, true
	case "harvest":
		return KindHarvest, true
	default:
		return 0, false
	}
}

// NeedsAmount reports whether requests of this kind carry an amount.
func (k Kind) NeedsAmount() bool {
	return k == KindStake || k == KindWithdraw
}

// MaxAmount is the amount keyword that withdraws the whole staked figure.
const MaxAmount = "max"

// Request is one user intent. ID is optional; an empty ID gets a fresh
// UUID on admission. Max withdraws everything staked and ignores Amount.
type Request struct {
	ID     string
	Kind   Kind
	Amount decimal.Decimal
	Max    bool
}

// ParseRequest builds a request of kind from a user-entered amount.
// Withdraws accept MaxAmount.
func ParseRequest(id string, kind Kind, amount string) (Request, error) {
	req := Request{ID: id, Kind: kind}
	if !kind.NeedsAmount() {
		return req, nil
	}
	if kind == KindWithdraw && strings.EqualFold(strings.TrimSpace(amount), MaxAmount) {
		req.Max = true
		return req, nil
	}
	d, err := fpmath.ParseAmount(amount)
	if err != nil {
		return Request{}, fmt.Errorf("%s amount: %w", kind, err)
	}
	req.Amount = d
	return req, nil
}

// AmountString is the requested amount as entered, for logs and events.
func (r Request) AmountString() string {
	if r.Max {
		return MaxAmount
	}
	return fpmath.AmountString(r.Amount)
}

func StakeRequest(amount decimal.Decimal) Request {
	return Request{Kind: KindStake, Amount: amount}
}

func WithdrawRequest(amount decimal.Decimal) Request {
	return Request{Kind: KindWithdraw, Amount: amount}
}

func WithdrawMaxRequest() Request {
	return Request{Kind: KindWithdraw, Max: true}
}

func HarvestRequest() Request {
	return Request{Kind: KindHarvest}
}

// State is what listeners and State() see for one account.
type State struct {
	Account   common.Address
	Phase     Phase
	Status    Status
	RequestID string
	Kind      Kind
	TxHash    common.Hash
	Err       error
	UpdatedAt time.Time
}

// Result describes a completed operation.
type Result struct {
	RequestID string
	Kind      Kind
	Amount    *big.Int // base units; nil for harvest
	Receipts  []*gateway.Receipt
	Refresh   *balance.RefreshReport
	Duration  time.Duration
}
