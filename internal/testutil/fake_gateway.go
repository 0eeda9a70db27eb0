package testutil

import (
	"StakeFlow/internal/gateway"
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Token keys used by the fake ledger.
const (
	StakeTokenKey  = "STK"
	RewardTokenKey = "dUSDC"
	NativeKey      = "ETH"
)

var (
	StakeTokenAddr  = common.HexToAddress("0x170D0227C1db68B6e831C9640C817a23E3AdF6e4")
	RewardTokenAddr = common.HexToAddress("0x61eC20404dC6CccAA2109F907f8488d0C7929925")
	StakingAddr     = common.HexToAddress("0xba0b005b7a83f8f6C2312A15cBb97D980C6E6C0b")
	Alice           = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	Bob             = common.HexToAddress("0x0000000000000000000000000000000000000B0B")
)

// Call is one recorded gateway interaction.
type Call struct {
	Op       string // call | send | await | balance
	Contract gateway.ContractID
	Method   string
	Args     []any
	Account  common.Address
}

func (c Call) String() string {
	return c.Op + ":" + c.Method
}

// FakeGateway is an in-memory ledger implementing gateway.Gateway. It
// simulates an ERC20 allowance, a staking pool and a reward token, and
// records every interaction in order.
type FakeGateway struct {
	Methods gateway.Methods

	// Failure injection, keyed by method name (or token key for balances).
	FailSend    map[string]error
	FailAwait   map[string]error
	FailCall    map[string]error
	FailBalance map[string]error

	// BeforeAwait runs outside the lock before a confirmation resolves.
	BeforeAwait func(method string)
	// BeforeRead runs outside the lock before every call/balance read.
	BeforeRead func(op, key string)

	mu        sync.Mutex
	from      common.Address
	calls     []Call
	nonce     uint64
	pending   map[common.Hash]*pendingTx
	balances  map[string]map[common.Address]*big.Int
	allowance map[common.Address]*big.Int
	staked    map[common.Address]*big.Int
	rewards   map[common.Address]*big.Int
}

type pendingTx struct {
	from   common.Address
	method string
	args   []any
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Methods:     gateway.DefaultMethods(),
		FailSend:    make(map[string]error),
		FailAwait:   make(map[string]error),
		FailCall:    make(map[string]error),
		FailBalance: make(map[string]error),
		from:        Alice,
		pending:     make(map[common.Hash]*pendingTx),
		balances: map[string]map[common.Address]*big.Int{
			StakeTokenKey:  {},
			RewardTokenKey: {},
			NativeKey:      {},
		},
		allowance: make(map[common.Address]*big.Int),
		staked:    make(map[common.Address]*big.Int),
		rewards:   make(map[common.Address]*big.Int),
	}
}

// Tokens returns the token refs the fake knows about.
func Tokens() []gateway.TokenRef {
	return []gateway.TokenRef{
		{Key: StakeTokenKey, Address: StakeTokenAddr},
		{Key: RewardTokenKey, Address: RewardTokenAddr},
		{Key: NativeKey, Native: true},
	}
}

// Tokens18 returns 10^18 * n.
func Tokens18(n int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), scale)
}

// SetSigner changes the account that signs writes.
func (f *FakeGateway) SetSigner(addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.from = addr
}

func (f *FakeGateway) SetBalance(token string, account common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[token][account] = new(big.Int).Set(amount)
}

func (f *FakeGateway) SetStaked(account common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staked[account] = new(big.Int).Set(amount)
}

func (f *FakeGateway) SetReward(account common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewards[account] = new(big.Int).Set(amount)
}

func (f *FakeGateway) Staked(account common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return valueOrZero(f.staked[account])
}

func (f *FakeGateway) Allowance(account common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return valueOrZero(f.allowance[account])
}

func (f *FakeGateway) Balance(token string, account common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return valueOrZero(f.balances[token][account])
}

// Calls returns a copy of the recorded interactions.
func (f *FakeGateway) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Trace renders the recorded interactions as "op:method".
func (f *FakeGateway) Trace() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Writes returns only send interactions.
func (f *FakeGateway) Writes() []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == "send" {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeGateway) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *FakeGateway) Call(ctx context.Context, contract gateway.ContractID, method string, args ...any) ([]any, error) {
	if f.BeforeRead != nil {
		f.BeforeRead("call", method)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "call", Contract: contract, Method: method, Args: args})
	if err := ctx.Err(); err != nil {
		return nil, &gateway.RPCError{Contract: contract, Method: method, Err: err}
	}
	if err := f.FailCall[method]; err != nil {
		return nil, &gateway.RPCError{Contract: contract, Method: method, Err: err}
	}

	account, _ := firstAddress(args)
	switch method {
	case f.Methods.StakedBalance:
		return []any{valueOrZero(f.staked[account])}, nil
	case f.Methods.AvailableReward:
		return []any{valueOrZero(f.rewards[account])}, nil
	case "allowance":
		return []any{valueOrZero(f.allowance[account])}, nil
	default:
		return nil, &gateway.RPCError{Contract: contract, Method: method, Err: fmt.Errorf("unknown method")}
	}
}

func (f *FakeGateway) Send(ctx context.Context, contract gateway.ContractID, method string, args ...any) (*gateway.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "send", Contract: contract, Method: method, Args: args, Account: f.from})
	if err := f.FailSend[method]; err != nil {
		return nil, &gateway.SubmissionError{Contract: contract, Method: method, Err: err}
	}

	f.nonce++
	hash := common.BigToHash(new(big.Int).SetUint64(f.nonce))
	f.pending[hash] = &pendingTx{from: f.from, method: method, args: args}

	return &gateway.TxHandle{
		Hash:        hash,
		Contract:    contract,
		Method:      method,
		Nonce:       f.nonce,
		SubmittedAt: time.Now(),
	}, nil
}

func (f *FakeGateway) AwaitConfirmation(ctx context.Context, handle *gateway.TxHandle) (*gateway.Receipt, error) {
	if f.BeforeAwait != nil {
		f.BeforeAwait(handle.Method)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "await", Contract: handle.Contract, Method: handle.Method})

	tx, ok := f.pending[handle.Hash]
	if !ok {
		return nil, &gateway.ConfirmationError{TxHash: handle.Hash, Method: handle.Method, Err: fmt.Errorf("unknown transaction")}
	}
	delete(f.pending, handle.Hash)

	if err := f.FailAwait[handle.Method]; err != nil {
		if _, isTimeout := err.(*gateway.TimeoutError); isTimeout {
			return nil, err
		}
		return nil, &gateway.ConfirmationError{TxHash: handle.Hash, Method: handle.Method, Err: err}
	}

	if err := f.apply(tx); err != nil {
		return nil, &gateway.ConfirmationError{TxHash: handle.Hash, Method: handle.Method, Err: err}
	}

	return &gateway.Receipt{TxHash: handle.Hash, BlockNumber: f.nonce, GasUsed: 21_000, Success: true}, nil
}

// apply executes the contract semantics; a non-nil error is a revert.
func (f *FakeGateway) apply(tx *pendingTx) error {
	switch tx.method {
	case f.Methods.Approve:
		spender, _ := firstAddress(tx.args)
		if spender != StakingAddr {
			return fmt.Errorf("%w: unexpected spender %s", gateway.ErrReverted, spender.Hex())
		}
		f.allowance[tx.from] = new(big.Int).Set(amountArg(tx.args, 1))

	case f.Methods.Stake:
		amount := amountArg(tx.args, 0)
		allowance := valueOrZero(f.allowance[tx.from])
		balance := valueOrZero(f.balances[StakeTokenKey][tx.from])
		if allowance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: insufficient allowance", gateway.ErrReverted)
		}
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: insufficient balance", gateway.ErrReverted)
		}
		f.allowance[tx.from] = new(big.Int).Sub(allowance, amount)
		f.balances[StakeTokenKey][tx.from] = new(big.Int).Sub(balance, amount)
		f.staked[tx.from] = new(big.Int).Add(valueOrZero(f.staked[tx.from]), amount)

	case f.Methods.Withdraw:
		amount := amountArg(tx.args, 0)
		staked := valueOrZero(f.staked[tx.from])
		if staked.Cmp(amount) < 0 {
			return fmt.Errorf("%w: withdraw exceeds stake", gateway.ErrReverted)
		}
		f.staked[tx.from] = new(big.Int).Sub(staked, amount)
		f.balances[StakeTokenKey][tx.from] = new(big.Int).Add(valueOrZero(f.balances[StakeTokenKey][tx.from]), amount)

	case f.Methods.Harvest:
		reward := valueOrZero(f.rewards[tx.from])
		f.rewards[tx.from] = new(big.Int)
		f.balances[RewardTokenKey][tx.from] = new(big.Int).Add(valueOrZero(f.balances[RewardTokenKey][tx.from]), reward)

	default:
		return fmt.Errorf("%w: unknown method %s", gateway.ErrReverted, tx.method)
	}
	return nil
}

func (f *FakeGateway) TokenBalance(ctx context.Context, token gateway.TokenRef, account common.Address) (*gateway.TokenBalance, error) {
	if f.BeforeRead != nil {
		f.BeforeRead("balance", token.Key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "balance", Contract: gateway.ContractID(token.Key), Method: token.Key, Account: account})
	if err := ctx.Err(); err != nil {
		return nil, &gateway.RPCError{Contract: gateway.ContractID(token.Key), Method: "balanceOf", Err: err}
	}
	if err := f.FailBalance[token.Key]; err != nil {
		return nil, &gateway.RPCError{Contract: gateway.ContractID(token.Key), Method: "balanceOf", Err: err}
	}

	holders, ok := f.balances[token.Key]
	if !ok {
		return nil, &gateway.RPCError{Contract: gateway.ContractID(token.Key), Method: "balanceOf", Err: fmt.Errorf("unknown token")}
	}

	return &gateway.TokenBalance{
		Raw:      valueOrZero(holders[account]),
		Decimals: 18,
		Symbol:   token.Key,
	}, nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func firstAddress(args []any) (common.Address, bool) {
	if len(args) == 0 {
		return common.Address{}, false
	}
	addr, ok := args[0].(common.Address)
	return addr, ok
}

func amountArg(args []any, i int) *big.Int {
	if len(args) <= i {
		return new(big.Int)
	}
	if v, ok := args[i].(*big.Int); ok {
		return v
	}
	return new(big.Int)
}

var _ gateway.Gateway = (*FakeGateway)(nil)
