package gateway

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RPCError is a failed read or transport failure.
type RPCError struct {
	Contract ContractID
	Method   string
	Err      error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s.%s: %v", e.Contract, e.Method, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// SubmissionError means the signer rejected the transaction or it could not
// be broadcast. Nothing reached the chain.
type SubmissionError struct {
	Contract ContractID
	Method   string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s.%s: %v", e.Contract, e.Method, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ConfirmationError means the transaction was mined and reverted.
type ConfirmationError struct {
	TxHash common.Hash
	Method string
	Err    error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("confirm %s (%s): %v", e.Method, e.TxHash.Hex(), e.Err)
}

func (e *ConfirmationError) Unwrap() error { return e.Err }

// TimeoutError means the confirmation wait ended without a final receipt,
// either because its bound elapsed or because the caller gave up (Err
// holds the context error then). The transaction may still be mined
// later; the outcome is unknown.
type TimeoutError struct {
	TxHash  common.Hash
	Method  string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("confirm %s (%s): wait abandoned: %v", e.Method, e.TxHash.Hex(), e.Err)
	}
	return fmt.Sprintf("confirm %s (%s): no receipt after %s", e.Method, e.TxHash.Hex(), e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
