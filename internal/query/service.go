package query

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// HistoryService serves read-only queries over the operation journal.
type HistoryService struct {
	db *sql.DB
}

func NewHistoryService(db *sql.DB) *HistoryService {
	return &HistoryService{db: db}
}

// ListOperations returns an account's journaled events, newest first.
func (hs *HistoryService) ListOperations(ctx context.Context, account string, filter HistoryFilter) ([]OperationRecord, error) {
	limit := clampLimit(filter.Limit)

	query := `SELECT event_id, request_id, account, kind, event_type, phase,
			COALESCE(requested_amount, ''), COALESCE(amount::text, ''),
			COALESCE(method, ''), COALESCE(tx_hash, ''), COALESCE(block_number, 0),
			COALESCE(error_kind, ''), COALESCE(error, ''), occurred_at
		FROM operation_journal
		WHERE account = $1`
	args := []any{strings.ToLower(account)}

	if len(filter.EventTypes) > 0 {
		args = append(args, pq.Array(filter.EventTypes))
		query += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, recorded_at DESC LIMIT $%d", len(args))

	rows, err := hs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var r OperationRecord
		if err := rows.Scan(
			&r.EventID, &r.RequestID, &r.Account, &r.Kind, &r.EventType, &r.Phase,
			&r.RequestedAmount, &r.Amount, &r.Method, &r.TxHash, &r.BlockNumber,
			&r.ErrorKind, &r.Error, &r.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRequest returns every event of one request in order.
func (hs *HistoryService) GetRequest(ctx context.Context, requestID string) ([]OperationRecord, error) {
	rows, err := hs.db.QueryContext(ctx, `
		SELECT event_id, request_id, account, kind, event_type, phase,
			COALESCE(requested_amount, ''), COALESCE(amount::text, ''),
			COALESCE(method, ''), COALESCE(tx_hash, ''), COALESCE(block_number, 0),
			COALESCE(error_kind, ''), COALESCE(error, ''), occurred_at
		FROM operation_journal
		WHERE request_id = $1
		ORDER BY occurred_at ASC, recorded_at ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var r OperationRecord
		if err := rows.Scan(
			&r.EventID, &r.RequestID, &r.Account, &r.Kind, &r.EventType, &r.Phase,
			&r.RequestedAmount, &r.Amount, &r.Method, &r.TxHash, &r.BlockNumber,
			&r.ErrorKind, &r.Error, &r.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summarize groups records by request. Input order does not matter.
func Summarize(records []OperationRecord) []OperationSummary {
	sorted := make([]OperationRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
	})

	byID := make(map[string]*OperationSummary)
	var order []string

	for _, r := range sorted {
		s, ok := byID[r.RequestID]
		if !ok {
			s = &OperationSummary{RequestID: r.RequestID, Kind: r.Kind, Outcome: "pending", StartedAt: r.OccurredAt}
			byID[r.RequestID] = s
			order = append(order, r.RequestID)
		}
		switch r.EventType {
		case "submitted":
			s.TxHashes = append(s.TxHashes, r.TxHash)
		case "succeeded", "failed", "rejected":
			s.Outcome = r.EventType
			s.ErrorKind = r.ErrorKind
			s.CompletedAt = r.OccurredAt
		}
	}

	out := make([]OperationSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// RequestSeen reports whether any event of requestID is journaled.
func (hs *HistoryService) RequestSeen(ctx context.Context, requestID string) (bool, error) {
	var seen bool
	err := hs.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM operation_journal WHERE request_id = $1)`, requestID,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("lookup request: %w", err)
	}
	return seen, nil
}
