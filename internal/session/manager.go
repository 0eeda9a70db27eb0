package session

import (
	"StakeFlow/internal/balance"
	"StakeFlow/internal/core"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ErrAccountNotAllowed is returned when connecting an account the
// configured signer cannot sign for.
var ErrAccountNotAllowed = errors.New("account not controlled by the configured signer")

// Manager maps accounts to their sessions.
type Manager struct {
	orch   *core.Orchestrator
	sync   *balance.Synchronizer
	logger zerolog.Logger

	// allowed is empty when any account may connect.
	allowed map[common.Address]bool

	mu       sync.Mutex
	sessions map[common.Address]*Session
}

func NewManager(orch *core.Orchestrator, sync *balance.Synchronizer, logger zerolog.Logger, allowed ...common.Address) *Manager {
	m := &Manager{
		orch:     orch,
		sync:     sync,
		logger:   logger,
		allowed:  make(map[common.Address]bool),
		sessions: make(map[common.Address]*Session),
	}
	for _, a := range allowed {
		m.allowed[a] = true
	}
	return m
}

// Connect returns the account's session, creating and starting it when
// needed. The initial refresh report is nil for an existing session.
func (m *Manager) Connect(ctx context.Context, account common.Address) (*Session, *balance.RefreshReport, error) {
	if account == (common.Address{}) {
		return nil, nil, ErrNoAccount
	}
	if len(m.allowed) > 0 && !m.allowed[account] {
		return nil, nil, fmt.Errorf("connect %s: %w", account.Hex(), ErrAccountNotAllowed)
	}

	m.mu.Lock()
	if s, ok := m.sessions[account]; ok {
		m.mu.Unlock()
		return s, nil, nil
	}
	s, err := New(account, m.orch, m.sync, m.logger)
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	m.sessions[account] = s
	m.mu.Unlock()

	m.logger.Info().Str("account", account.Hex()).Msg("session connected")
	report, err := s.Start(ctx)
	return s, report, err
}

// Get returns the live session for account or ErrNoAccount.
func (m *Manager) Get(account common.Address) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[account]
	if !ok {
		return nil, ErrNoAccount
	}
	return s, nil
}

// Disconnect ends the account's session. It reports false when no
// session existed.
func (m *Manager) Disconnect(account common.Address) bool {
	m.mu.Lock()
	s, ok := m.sessions[account]
	delete(m.sessions, account)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Disconnect()
	return true
}

// Accounts lists connected accounts.
func (m *Manager) Accounts() []common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Address, 0, len(m.sessions))
	for a := range m.sessions {
		out = append(out, a)
	}
	return out
}

// Close disconnects every session.
func (m *Manager) Close() {
	for _, a := range m.Accounts() {
		m.Disconnect(a)
	}
}
