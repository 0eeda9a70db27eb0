package core

import (
	"StakeFlow/internal/gateway"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoAccount is returned when no account is bound.
	ErrNoAccount = errors.New("no account bound")

	// ErrReset is returned by an operation whose machine was reset while
	// it was in flight. Writes already submitted may still confirm.
	ErrReset = errors.New("operation abandoned by reset")

	ErrNonPositiveAmount = errors.New("amount must be greater than zero")
	ErrAmountNotExact    = errors.New("amount is not representable at token precision")
	ErrExceedsStaked     = errors.New("amount exceeds staked balance")
	ErrNothingStaked     = errors.New("nothing staked to withdraw")
	ErrUnknownKind       = errors.New("unknown request kind")
)

// ValidationError rejects a request before anything reaches the ledger.
type ValidationError struct {
	Kind   Kind
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("invalid %s request: %v (%s)", e.Kind, e.Reason, e.Detail)
	}
	return fmt.Sprintf("invalid %s request: %v", e.Kind, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// BusyError rejects a request while another operation for the same
// account is in flight.
type BusyError struct {
	Account   common.Address
	Phase     Phase
	RequestID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("account %s busy: request %s in %s", e.Account.Hex(), e.RequestID, e.Phase)
}

// ErrorKind is the taxonomy an error renders as.
type ErrorKind int

const (
	ErrKindNone ErrorKind = iota
	ErrKindValidation
	ErrKindBusy
	ErrKindNoAccount
	ErrKindRPC
	ErrKindSubmission
	ErrKindConfirmation
	ErrKindTimeout
	ErrKindReset
	ErrKindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNone:
		return ""
	case ErrKindValidation:
		return "validation"
	case ErrKindBusy:
		return "busy"
	case ErrKindNoAccount:
		return "no_account"
	case ErrKindRPC:
		return "rpc"
	case ErrKindSubmission:
		return "submission"
	case ErrKindConfirmation:
		return "confirmation"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindReset:
		return "reset"
	default:
		return "internal"
	}
}

// Classify maps err onto the error taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrKindNone
	}

	var (
		validation   *ValidationError
		busy         *BusyError
		rpc          *gateway.RPCError
		submission   *gateway.SubmissionError
		confirmation *gateway.ConfirmationError
		timeout      *gateway.TimeoutError
	)
	switch {
	case errors.As(err, &validation):
		return ErrKindValidation
	case errors.As(err, &busy):
		return ErrKindBusy
	case errors.Is(err, ErrNoAccount):
		return ErrKindNoAccount
	case errors.Is(err, ErrReset):
		return ErrKindReset
	case errors.As(err, &timeout):
		return ErrKindTimeout
	case errors.As(err, &confirmation):
		return ErrKindConfirmation
	case errors.As(err, &submission):
		return ErrKindSubmission
	case errors.As(err, &rpc):
		return ErrKindRPC
	default:
		return ErrKindInternal
	}
}
