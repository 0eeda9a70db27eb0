package session_test

import (
	"StakeFlow/internal/balance"
	"StakeFlow/internal/core"
	fpmath "StakeFlow/internal/math"
	"StakeFlow/internal/session"
	"StakeFlow/internal/testutil"
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newManager(t *testing.T, allowed ...common.Address) (*session.Manager, *testutil.FakeGateway) {
	t.Helper()
	gw := testutil.NewFakeGateway()
	s := balance.NewSynchronizer(gw, balance.Config{
		Tokens:         testutil.Tokens(),
		Methods:        gw.Methods,
		StakePrecision: fpmath.EtherPrecision,
	}, zerolog.Nop(), nil)
	orch := core.NewOrchestrator(gw, s, core.Config{
		StakingAddress: testutil.StakingAddr,
		Methods:        gw.Methods,
		Precision:      fpmath.EtherPrecision,
		RewardTokenKey: testutil.RewardTokenKey,
	}, nil, zerolog.Nop(), nil)
	return session.NewManager(orch, s, zerolog.Nop(), allowed...), gw
}

// === Test: connect performs the initial refresh ===

func TestConnect_InitialRefresh(t *testing.T) {
	m, gw := newManager(t)
	gw.SetBalance(testutil.StakeTokenKey, testutil.Alice, testutil.Tokens18(8))
	gw.SetStaked(testutil.Alice, testutil.Tokens18(2))

	s, report, err := m.Connect(context.Background(), testutil.Alice)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !report.OK() {
		t.Fatalf("initial refresh: %v", report.Err())
	}

	view, err := s.GetSnapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !view.Fresh {
		t.Error("expected populated snapshot")
	}
	if view.Balances[testutil.StakeTokenKey].Formatted != "8.00" {
		t.Errorf("STK: got %s", view.Balances[testutil.StakeTokenKey].Formatted)
	}
	if view.Position.Staked.Cmp(testutil.Tokens18(2)) != 0 {
		t.Errorf("staked: got %s", view.Position.Staked)
	}
	if view.State.Phase != core.PhaseIdle {
		t.Errorf("phase: got %s", view.State.Phase)
	}

	again, report, err := m.Connect(context.Background(), testutil.Alice)
	if err != nil || again != s || report != nil {
		t.Fatalf("reconnect should return the live session without refresh")
	}
}

func TestConnect_RejectsZeroAndDisallowed(t *testing.T) {
	m, _ := newManager(t, testutil.Alice)

	if _, _, err := m.Connect(context.Background(), common.Address{}); !errors.Is(err, session.ErrNoAccount) {
		t.Errorf("zero account: got %v", err)
	}
	if _, _, err := m.Connect(context.Background(), testutil.Bob); !errors.Is(err, session.ErrAccountNotAllowed) {
		t.Errorf("Bob: got %v", err)
	}
	if _, _, err := m.Connect(context.Background(), testutil.Alice); err != nil {
		t.Errorf("Alice: got %v", err)
	}
}

// === Test: disconnect makes the account absent ===

func TestDisconnect_ResetsAndDiscards(t *testing.T) {
	m, gw := newManager(t)
	gw.SetBalance(testutil.StakeTokenKey, testutil.Alice, testutil.Tokens18(5))

	s, _, err := m.Connect(context.Background(), testutil.Alice)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var seen int
	if _, err := s.OnStateChange(func(core.State) { seen++ }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := s.RequestStake(context.Background(), decimal.NewFromInt(1)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if seen == 0 {
		t.Fatal("listener saw no transitions")
	}

	if !m.Disconnect(testutil.Alice) {
		t.Fatal("expected a session to disconnect")
	}
	if m.Disconnect(testutil.Alice) {
		t.Error("second disconnect should report false")
	}

	gw.ResetCalls()
	if _, err := s.RequestHarvest(context.Background()); !errors.Is(err, session.ErrNoAccount) {
		t.Fatalf("request after disconnect: got %v", err)
	}
	if _, err := s.GetSnapshot(); !errors.Is(err, session.ErrNoAccount) {
		t.Fatalf("snapshot after disconnect: got %v", err)
	}
	if len(gw.Calls()) != 0 {
		t.Fatalf("absent account reached the ledger: %v", gw.Trace())
	}
	if _, err := m.Get(testutil.Alice); !errors.Is(err, session.ErrNoAccount) {
		t.Fatalf("Get after disconnect: got %v", err)
	}

	// New session starts from empty caches.
	s2, _, err := m.Connect(context.Background(), testutil.Alice)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if s2 == s {
		t.Fatal("expected a new session")
	}
}

func TestSessionListener_FiltersOtherAccounts(t *testing.T) {
	m, _ := newManager(t)
	alice, _, _ := m.Connect(context.Background(), testutil.Alice)
	bob, _, _ := m.Connect(context.Background(), testutil.Bob)

	var foreign int
	alice.OnStateChange(func(st core.State) {
		if st.Account != testutil.Alice {
			foreign++
		}
	})
	if _, err := bob.RequestHarvest(context.Background()); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if foreign != 0 {
		t.Fatalf("alice's listener saw %d foreign states", foreign)
	}
}
