package gateway

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ContractID names a configured contract. Addresses are configuration,
// never logic.
type ContractID string

const (
	ContractToken   ContractID = "token"   // ERC20 being staked
	ContractStaking ContractID = "staking" // staking pool
)

// Gateway is the capability set the orchestration core uses to talk to the
// ledger. Implementations hide the signer and the RPC transport.
//
// Send is never retried by an implementation: resubmitting a write with the
// same intent (e.g. approve) can double an allowance, so retry policy belongs
// to the caller.
type Gateway interface {
	// Call reads contract state.
	Call(ctx context.Context, contract ContractID, method string, args ...any) ([]any, error)

	// Send submits a signed transaction and returns once it is broadcast.
	Send(ctx context.Context, contract ContractID, method string, args ...any) (*TxHandle, error)

	// AwaitConfirmation blocks until the transaction is final, reverted,
	// or the confirmation bound elapses.
	AwaitConfirmation(ctx context.Context, handle *TxHandle) (*Receipt, error)

	// TokenBalance reads an account's balance of an ERC20 or the native coin.
	TokenBalance(ctx context.Context, token TokenRef, account common.Address) (*TokenBalance, error)
}

// TxHandle identifies a submitted transaction while the orchestrator waits on it.
type TxHandle struct {
	Hash        common.Hash
	Contract    ContractID
	Method      string
	Nonce       uint64
	SubmittedAt time.Time
}

// Receipt is the result of a confirmed transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// TokenRef points at a token whose balance is tracked.
type TokenRef struct {
	Key     string         // stable cache key, e.g. "STK"
	Address common.Address // zero for the native coin
	Native  bool
}

// TokenBalance is a raw balance read from the ledger.
type TokenBalance struct {
	Raw      *big.Int
	Decimals uint8
	Symbol   string
}
