package query

import "time"

// OperationRecord is one journaled lifecycle event.
type OperationRecord struct {
	EventID         string    `json:"event_id"`
	RequestID       string    `json:"request_id"`
	Account         string    `json:"account"`
	Kind            string    `json:"kind"`
	EventType       string    `json:"event_type"`
	Phase           string    `json:"phase"`
	RequestedAmount string    `json:"requested_amount,omitempty"`
	Amount          string    `json:"amount,omitempty"` // base units
	Method          string    `json:"method,omitempty"`
	TxHash          string    `json:"tx_hash,omitempty"`
	BlockNumber     int64     `json:"block_number,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// OperationSummary collapses a request's events into its outcome.
type OperationSummary struct {
	RequestID   string    `json:"request_id"`
	Kind        string    `json:"kind"`
	Outcome     string    `json:"outcome"` // succeeded | failed | rejected | pending
	TxHashes    []string  `json:"tx_hashes,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// HistoryFilter narrows ListOperations.
type HistoryFilter struct {
	EventTypes []string
	Since      time.Time
	Limit      int
}
