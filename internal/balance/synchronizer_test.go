package balance_test

import (
	"StakeFlow/internal/balance"
	fpmath "StakeFlow/internal/math"
	"StakeFlow/internal/testutil"
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

func newSync(gw *testutil.FakeGateway) *balance.Synchronizer {
	return balance.NewSynchronizer(gw, balance.Config{
		Tokens:         testutil.Tokens(),
		Methods:        gw.Methods,
		StakePrecision: fpmath.EtherPrecision,
		DisplayPlaces:  2,
	}, zerolog.Nop(), nil)
}

// === Test: full refresh populates every key ===

func TestRefreshAll_PopulatesSnapshot(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.SetBalance(testutil.StakeTokenKey, testutil.Alice, testutil.Tokens18(100))
	gw.SetBalance(testutil.RewardTokenKey, testutil.Alice, testutil.Tokens18(7))
	gw.SetStaked(testutil.Alice, testutil.Tokens18(3))
	gw.SetReward(testutil.Alice, testutil.Tokens18(1))

	s := newSync(gw)
	report := s.RefreshAll(context.Background(), testutil.Alice)
	if !report.OK() {
		t.Fatalf("expected clean refresh, got %v", report.Err())
	}

	snap, ok := s.Snapshot(testutil.Alice)
	if !ok {
		t.Fatal("expected a cached snapshot")
	}
	if got := snap.Balances[testutil.StakeTokenKey].Raw; got.Cmp(testutil.Tokens18(100)) != 0 {
		t.Errorf("STK raw: got %s", got)
	}
	if got := snap.Balances[testutil.StakeTokenKey].Formatted; got != "100.00" {
		t.Errorf("STK formatted: got %s, want 100.00", got)
	}
	if got := snap.Balances[testutil.NativeKey].Raw; got.Sign() != 0 {
		t.Errorf("ETH raw: got %s, want 0", got)
	}
	if snap.Position.Staked.Cmp(testutil.Tokens18(3)) != 0 {
		t.Errorf("staked: got %s", snap.Position.Staked)
	}
	if snap.Position.AvailableReward.Cmp(testutil.Tokens18(1)) != 0 {
		t.Errorf("reward: got %s", snap.Position.AvailableReward)
	}

	staked, reward := s.FormatPosition(snap.Position)
	if staked != "3.00" || reward != "1.00" {
		t.Errorf("formatted position: got %s/%s", staked, reward)
	}
}

func TestSnapshot_UnknownAccount(t *testing.T) {
	s := newSync(testutil.NewFakeGateway())
	if _, ok := s.Snapshot(testutil.Bob); ok {
		t.Fatal("expected no snapshot before the first refresh")
	}
	if pos, _ := s.Position(testutil.Bob); pos.Known() {
		t.Fatal("expected unknown position")
	}
}

// === Test: partial failure keeps previous value ===

func TestRefreshBalances_PartialFailureKeepsPrevious(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.SetBalance(testutil.StakeTokenKey, testutil.Alice, testutil.Tokens18(10))
	gw.SetBalance(testutil.RewardTokenKey, testutil.Alice, testutil.Tokens18(20))

	s := newSync(gw)
	ctx := context.Background()
	if _, report := s.RefreshBalances(ctx, testutil.Alice); !report.OK() {
		t.Fatalf("seed refresh failed: %v", report.Err())
	}

	gw.SetBalance(testutil.StakeTokenKey, testutil.Alice, testutil.Tokens18(11))
	gw.SetBalance(testutil.RewardTokenKey, testutil.Alice, testutil.Tokens18(21))
	gw.FailBalance[testutil.StakeTokenKey] = errors.New("connection reset")

	got, report := s.RefreshBalances(ctx, testutil.Alice)

	if report.OK() {
		t.Fatal("expected a partial failure")
	}
	if keys := report.FailedKeys(); len(keys) != 1 || keys[0] != testutil.StakeTokenKey {
		t.Fatalf("failed keys: got %v", keys)
	}
	if got[testutil.StakeTokenKey].Raw.Cmp(testutil.Tokens18(10)) != 0 {
		t.Errorf("STK should be unchanged: got %s", got[testutil.StakeTokenKey].Raw)
	}
	if got[testutil.RewardTokenKey].Raw.Cmp(testutil.Tokens18(21)) != 0 {
		t.Errorf("dUSDC should be updated: got %s", got[testutil.RewardTokenKey].Raw)
	}
	if report.Err() == nil {
		t.Error("expected joined error")
	}
}

func TestRefreshStakePosition_FieldsIndependent(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.SetStaked(testutil.Alice, testutil.Tokens18(5))
	gw.SetReward(testutil.Alice, testutil.Tokens18(2))

	s := newSync(gw)
	ctx := context.Background()
	s.RefreshStakePosition(ctx, testutil.Alice)

	gw.SetStaked(testutil.Alice, testutil.Tokens18(6))
	gw.SetReward(testutil.Alice, testutil.Tokens18(9))
	gw.FailCall[gw.Methods.AvailableReward] = errors.New("boom")

	pos, report := s.RefreshStakePosition(ctx, testutil.Alice)
	if _, failed := report.Failed[balance.KeyReward]; !failed {
		t.Fatalf("expected reward failure, got %v", report.FailedKeys())
	}
	if pos.Staked.Cmp(testutil.Tokens18(6)) != 0 {
		t.Errorf("staked: got %s, want 6e18", pos.Staked)
	}
	if pos.AvailableReward.Cmp(testutil.Tokens18(2)) != 0 {
		t.Errorf("reward: got %s, want stale 2e18", pos.AvailableReward)
	}
}

func TestRefresh_UnknownKeyReported(t *testing.T) {
	s := newSync(testutil.NewFakeGateway())
	report := s.Refresh(context.Background(), testutil.Alice, "DOGE", balance.KeyStaked)
	if _, failed := report.Failed["DOGE"]; !failed {
		t.Fatalf("expected DOGE to fail, got %v", report.FailedKeys())
	}
	if _, failed := report.Failed[balance.KeyStaked]; failed {
		t.Error("staked read should not be affected")
	}
}

// === Test: reads fan out concurrently ===

func TestRefreshAll_ReadsConcurrently(t *testing.T) {
	gw := testutil.NewFakeGateway()
	s := newSync(gw)

	// 3 tokens + staked + reward
	const reads = 5
	var entered atomic.Int32
	all := make(chan struct{})
	var once sync.Once
	var sequential atomic.Bool

	gw.BeforeRead = func(op, key string) {
		if entered.Add(1) == reads {
			once.Do(func() { close(all) })
		}
		select {
		case <-all:
		case <-time.After(2 * time.Second):
			sequential.Store(true)
		}
	}

	report := s.RefreshAll(context.Background(), testutil.Alice)
	if !report.OK() {
		t.Fatalf("refresh failed: %v", report.Err())
	}
	if sequential.Load() {
		t.Fatal("reads did not overlap; refresh is sequential")
	}
}

func TestRefreshAll_BoundedParallelism(t *testing.T) {
	gw := testutil.NewFakeGateway()
	s := balance.NewSynchronizer(gw, balance.Config{
		Tokens:      testutil.Tokens(),
		Methods:     gw.Methods,
		MaxParallel: 2,
	}, zerolog.Nop(), nil)

	var current, peak atomic.Int32
	gw.BeforeRead = func(op, key string) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
	}

	s.RefreshAll(context.Background(), testutil.Alice)
	if peak.Load() > 2 {
		t.Fatalf("peak parallel reads: got %d, want <= 2", peak.Load())
	}
}

// === Test: discard invalidates in-flight refreshes ===

func TestDiscard_DropsInFlightResults(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.SetBalance(testutil.StakeTokenKey, testutil.Alice, big.NewInt(42))
	s := newSync(gw)

	gw.BeforeRead = func(op, key string) {
		s.Discard(testutil.Alice)
	}

	_, report := s.RefreshBalances(context.Background(), testutil.Alice, testutil.StakeTokenKey)
	if !report.Discarded {
		t.Fatal("expected the refresh to be discarded")
	}
	if _, ok := s.Snapshot(testutil.Alice); ok {
		t.Fatal("discarded account must not be repopulated by a stale refresh")
	}

	gw.BeforeRead = nil
	if _, report := s.RefreshBalances(context.Background(), testutil.Alice, testutil.StakeTokenKey); !report.OK() {
		t.Fatalf("refresh after discard should succeed: %v", report)
	}
	snap, _ := s.Snapshot(testutil.Alice)
	if snap.Balances[testutil.StakeTokenKey].Raw.Int64() != 42 {
		t.Errorf("got %s, want 42", snap.Balances[testutil.StakeTokenKey].Raw)
	}
}

func TestDiscard_BookkeepingDoesNotGrow(t *testing.T) {
	gw := testutil.NewFakeGateway()
	s := newSync(gw)

	for i := 1; i <= 100; i++ {
		account := common.BigToAddress(big.NewInt(int64(i)))
		s.RefreshAll(context.Background(), account)
		s.Discard(account)
	}
	if got := s.TrackedGenerations(); got != 0 {
		t.Fatalf("discarded accounts still tracked: %d", got)
	}

	// A discard racing a refresh must still invalidate it.
	gw.BeforeRead = func(op, key string) { s.Discard(testutil.Alice) }
	if _, report := s.RefreshBalances(context.Background(), testutil.Alice, testutil.StakeTokenKey); !report.Discarded {
		t.Fatal("expected the refresh to be discarded")
	}
	if got := s.TrackedGenerations(); got != 0 {
		t.Fatalf("bookkeeping left after the refresh finished: %d", got)
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.SetBalance(testutil.StakeTokenKey, testutil.Alice, big.NewInt(1))
	s := newSync(gw)
	s.RefreshBalances(context.Background(), testutil.Alice, testutil.StakeTokenKey)

	snap, _ := s.Snapshot(testutil.Alice)
	snap.Balances[testutil.StakeTokenKey].Raw.SetInt64(999)

	again, _ := s.Snapshot(testutil.Alice)
	if again.Balances[testutil.StakeTokenKey].Raw.Int64() != 1 {
		t.Fatal("mutating a snapshot leaked into the cache")
	}
}
