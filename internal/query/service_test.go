package query_test

import (
	"StakeFlow/internal/query"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(s int) time.Time { return t0.Add(time.Duration(s) * time.Second) }

	// Newest first, as ListOperations returns them.
	records := []query.OperationRecord{
		{RequestID: "b", Kind: "withdraw", EventType: "failed", ErrorKind: "confirmation", OccurredAt: at(9)},
		{RequestID: "b", Kind: "withdraw", EventType: "submitted", TxHash: "0xb1", OccurredAt: at(8)},
		{RequestID: "b", Kind: "withdraw", EventType: "requested", OccurredAt: at(7)},
		{RequestID: "a", Kind: "stake", EventType: "succeeded", OccurredAt: at(6)},
		{RequestID: "a", Kind: "stake", EventType: "submitted", TxHash: "0xa2", OccurredAt: at(4)},
		{RequestID: "a", Kind: "stake", EventType: "submitted", TxHash: "0xa1", OccurredAt: at(2)},
		{RequestID: "a", Kind: "stake", EventType: "requested", OccurredAt: at(1)},
		{RequestID: "c", Kind: "harvest", EventType: "requested", OccurredAt: at(10)},
	}

	got := query.Summarize(records)
	if len(got) != 3 {
		t.Fatalf("summaries: got %d, want 3", len(got))
	}

	a := got[0]
	if a.RequestID != "a" || a.Outcome != "succeeded" {
		t.Fatalf("first summary: got %+v", a)
	}
	if len(a.TxHashes) != 2 || a.TxHashes[0] != "0xa1" || a.TxHashes[1] != "0xa2" {
		t.Errorf("tx order: got %v", a.TxHashes)
	}
	if !a.StartedAt.Equal(at(1)) || !a.CompletedAt.Equal(at(6)) {
		t.Errorf("times: %v -> %v", a.StartedAt, a.CompletedAt)
	}

	if b := got[1]; b.Outcome != "failed" || b.ErrorKind != "confirmation" {
		t.Errorf("second summary: got %+v", b)
	}
	if c := got[2]; c.Outcome != "pending" || !c.CompletedAt.IsZero() {
		t.Errorf("third summary: got %+v", c)
	}
}
