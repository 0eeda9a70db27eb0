package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for operation lifecycle events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeRequested
	EventTypeRejected
	EventTypeSubmitted
	EventTypeConfirmed
	EventTypeSucceeded
	EventTypeFailed
)

// OperationEvent records one step of an orchestrated operation. Events
// are emitted for observers and audit only; nothing reads them back to
// rebuild state.
type OperationEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	Type      EventType `json:"-"`
	TypeName  string    `json:"type"`
	RequestID string    `json:"request_id"`
	Account   string    `json:"account"`
	Kind      string    `json:"kind"`
	Phase     string    `json:"phase"`

	// Display units as the caller entered them
	RequestedAmount string `json:"requested_amount,omitempty"`
	// Base units; set once validated
	Amount string `json:"amount,omitempty"`

	Method      string `json:"method,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// New stamps an event with a fresh ID and the current time.
func New(t EventType, requestID, account, kind, phase string) OperationEvent {
	return OperationEvent{
		EventID:   uuid.New(),
		Type:      t,
		TypeName:  t.String(),
		RequestID: requestID,
		Account:   account,
		Kind:      kind,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
	}
}

// IdempotencyKey is stable per event and used for journal dedup.
func (e OperationEvent) IdempotencyKey() string {
	return e.EventID.String()
}

// Terminal reports whether the event ends an operation.
func (e OperationEvent) Terminal() bool {
	return e.Type == EventTypeSucceeded || e.Type == EventTypeFailed || e.Type == EventTypeRejected
}

func (et EventType) String() string {
	switch et {
	case EventTypeRequested:
		return "requested"
	case EventTypeRejected:
		return "rejected"
	case EventTypeSubmitted:
		return "submitted"
	case EventTypeConfirmed:
		return "confirmed"
	case EventTypeSucceeded:
		return "succeeded"
	case EventTypeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for t := EventTypeRequested; t <= EventTypeFailed; t++ {
		if t.String() == s {
			return t
		}
	}
	return EventTypeUnknown
}
