package persistence

import (
	"StakeFlow/internal/event"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// JournalRow represents a row in operation_journal.
type JournalRow struct {
	EventID         uuid.UUID
	RequestID       string
	Account         string
	Kind            string
	EventType       string
	Phase           string
	RequestedAmount sql.NullString
	Amount          sql.NullString // NUMERIC(78,0) as decimal text
	Method          sql.NullString
	TxHash          sql.NullString
	BlockNumber     sql.NullInt64
	ErrorKind       sql.NullString
	Error           sql.NullString
	OccurredAt      time.Time
}

const journalColumns = 14

// RowFromEvent converts a lifecycle event into its journal row.
func RowFromEvent(evt event.OperationEvent) JournalRow {
	row := JournalRow{
		EventID:         evt.EventID,
		RequestID:       evt.RequestID,
		Account:         strings.ToLower(evt.Account),
		Kind:            evt.Kind,
		EventType:       evt.TypeName,
		Phase:           evt.Phase,
		RequestedAmount: nullString(evt.RequestedAmount),
		Amount:          nullString(evt.Amount),
		Method:          nullString(evt.Method),
		TxHash:          nullString(evt.TxHash),
		ErrorKind:       nullString(evt.ErrorKind),
		Error:           nullString(evt.Error),
		OccurredAt:      evt.Timestamp,
	}
	if evt.BlockNumber > 0 {
		row.BlockNumber = sql.NullInt64{Int64: int64(evt.BlockNumber), Valid: true}
	}
	return row
}

// JournalWriter batch-inserts journal rows.
type JournalWriter struct {
	db *sql.DB
}

func NewJournalWriter(db *sql.DB) *JournalWriter {
	return &JournalWriter{db: db}
}

// WriteBatch writes rows with a multi-row INSERT. Rows already present
// are skipped, so replaying a batch after a failed commit is safe.
func (w *JournalWriter) WriteBatch(ctx context.Context, ex execer, rows []JournalRow) error {
	if len(rows) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	query := `INSERT INTO operation_journal
		(event_id, request_id, account, kind, event_type, phase, requested_amount, amount,
		 method, tx_hash, block_number, error_kind, error, occurred_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*journalColumns)

	for i, r := range rows {
		base := i * journalColumns
		placeholders := make([]string, journalColumns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", base+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.EventID, r.RequestID, r.Account, r.Kind, r.EventType, r.Phase,
			r.RequestedAmount, r.Amount, r.Method, r.TxHash, r.BlockNumber,
			r.ErrorKind, r.Error, r.OccurredAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
