package config

import (
	"math/big"

	"StakeFlow/internal/balance"
	"StakeFlow/internal/core"
	"StakeFlow/internal/gateway"
	fpmath "StakeFlow/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Tokens lists the balances tracked per account: the staking token, the
// reward token and the native coin.
func (c Config) Tokens() []gateway.TokenRef {
	return []gateway.TokenRef{
		{Key: c.Contracts.StakeTokenKey, Address: common.HexToAddress(c.Contracts.StakeToken)},
		{Key: c.Contracts.RewardTokenKey, Address: common.HexToAddress(c.Contracts.RewardToken)},
		{Key: c.Network.NativeSymbol, Native: true},
	}
}

func (c Config) Precision() fpmath.Precision {
	return fpmath.Precision{Decimals: c.Staking.Precision}
}

func (c Config) Gateway() gateway.EthConfig {
	return gateway.EthConfig{
		ChainID: big.NewInt(c.Network.ChainID),
		Contracts: map[gateway.ContractID]common.Address{
			gateway.ContractToken:   common.HexToAddress(c.Contracts.StakeToken),
			gateway.ContractStaking: common.HexToAddress(c.Contracts.Staking),
		},
		Methods:        c.Methods,
		NativeSymbol:   c.Network.NativeSymbol,
		ConfirmTimeout: c.Ledger.ConfirmTimeout,
		PollInterval:   c.Ledger.PollInterval,
		Confirmations:  c.Ledger.Confirmations,
		ReadRPS:        c.Ledger.ReadRPS,
		ReadBurst:      c.Ledger.ReadBurst,
	}
}

func (c Config) Synchronizer() balance.Config {
	return balance.Config{
		Tokens:         c.Tokens(),
		Methods:        c.Methods,
		StakePrecision: c.Precision(),
		DisplayPlaces:  c.Staking.DisplayPlaces,
		MaxParallel:    c.Staking.RefreshParallel,
	}
}

func (c Config) Orchestrator() core.Config {
	return core.Config{
		StakingAddress:     common.HexToAddress(c.Contracts.Staking),
		Methods:            c.Methods,
		Precision:          c.Precision(),
		RewardTokenKey:     c.Contracts.RewardTokenKey,
		FreshWithdrawCheck: c.Staking.FreshWithdrawCheck,
		RefreshTimeout:     c.Staking.RefreshTimeout,
	}
}

// Allowed parses the allowed-account list.
func (c Config) Allowed() []common.Address {
	out := make([]common.Address, 0, len(c.Staking.AllowedAccounts))
	for _, a := range c.Staking.AllowedAccounts {
		out = append(out, common.HexToAddress(a))
	}
	return out
}
