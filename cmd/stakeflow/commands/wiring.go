package commands

import (
	"context"
	"fmt"
	"math/big"

	"StakeFlow/internal/balance"
	"StakeFlow/internal/core"
	"StakeFlow/internal/event"
	"StakeFlow/internal/gateway"
	"StakeFlow/internal/observability"

	"github.com/ethereum/go-ethereum/common"
)

// stack is the orchestration core bound to one ledger endpoint.
type stack struct {
	gw      *gateway.EthGateway
	sync    *balance.Synchronizer
	orch    *core.Orchestrator
	account common.Address // signer's account; zero when read-only
}

func (s *stack) Close() {
	s.gw.Close()
}

// buildStack dials the ledger and assembles synchronizer and
// orchestrator. With readOnly set the keystore is not opened.
func buildStack(ctx context.Context, readOnly bool, events chan<- event.OperationEvent, metrics *observability.Metrics) (*stack, error) {
	var (
		signer  gateway.Signer
		account common.Address
	)
	if !readOnly {
		ks, err := gateway.NewKeystoreSigner(cfg.Wallet.KeystorePath, cfg.Wallet.Passphrase, big.NewInt(cfg.Network.ChainID))
		if err != nil {
			return nil, fmt.Errorf("signer: %w", err)
		}
		signer = ks
		account = ks.Address()
	}

	gw, err := gateway.DialEth(ctx, cfg.Network.RPCURL, cfg.Gateway(), signer, observability.NewLogger("gateway"))
	if err != nil {
		return nil, err
	}

	sync := balance.NewSynchronizer(gw, cfg.Synchronizer(), observability.NewLogger("balance"), metrics)
	orch := core.NewOrchestrator(gw, sync, cfg.Orchestrator(), events, observability.NewLogger("orchestrator"), metrics)

	return &stack{gw: gw, sync: sync, orch: orch, account: account}, nil
}

// allowedAccounts defaults to the signer's account.
func allowedAccounts(signer common.Address) []common.Address {
	if allowed := cfg.Allowed(); len(allowed) > 0 {
		return allowed
	}
	return []common.Address{signer}
}
