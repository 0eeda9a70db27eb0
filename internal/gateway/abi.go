package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// erc20ABITemplate covers the token calls the client needs. The approve
// name is substituted from Methods.
const erc20ABITemplate = `[
	{"type":"function","name":%q,"stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

// Methods holds the contract function names. They are configuration so the
// same client can drive pools whose ABI spells them differently.
type Methods struct {
	Approve         string `yaml:"approve"`
	Stake           string `yaml:"stake"`
	Withdraw        string `yaml:"withdraw"`
	StakedBalance   string `yaml:"stakedBalance"`
	AvailableReward string `yaml:"availableReward"`
	Harvest         string `yaml:"harvest"`
}

func DefaultMethods() Methods {
	return Methods{
		Approve:         "approve",
		Stake:           "stake",
		Withdraw:        "withdraw",
		StakedBalance:   "getBalanceOfUser",
		AvailableReward: "getAvailableReward",
		Harvest:         "getReward",
	}
}

func (m Methods) Validate() error {
	names := map[string]string{
		"approve":         m.Approve,
		"stake":           m.Stake,
		"withdraw":        m.Withdraw,
		"stakedBalance":   m.StakedBalance,
		"availableReward": m.AvailableReward,
		"harvest":         m.Harvest,
	}
	for field, name := range names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("method %s is empty", field)
		}
	}
	return nil
}

type abiArg struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type abiEntry struct {
	Type            string   `json:"type"`
	Name            string   `json:"name"`
	StateMutability string   `json:"stateMutability"`
	Inputs          []abiArg `json:"inputs"`
	Outputs         []abiArg `json:"outputs"`
}

// ERC20ABIJSON renders the token ABI for the configured approve name.
func ERC20ABIJSON(m Methods) string {
	return fmt.Sprintf(erc20ABITemplate, m.Approve)
}

// StakingABIJSON generates the staking pool ABI for the configured names.
func StakingABIJSON(m Methods) (string, error) {
	uint256 := []abiArg{{Name: "", Type: "uint256"}}
	entries := []abiEntry{
		{Type: "function", Name: m.Stake, StateMutability: "nonpayable", Inputs: []abiArg{{Name: "amount", Type: "uint256"}}, Outputs: []abiArg{}},
		{Type: "function", Name: m.Withdraw, StateMutability: "nonpayable", Inputs: []abiArg{{Name: "amount", Type: "uint256"}}, Outputs: []abiArg{}},
		{Type: "function", Name: m.Harvest, StateMutability: "nonpayable", Inputs: []abiArg{}, Outputs: []abiArg{}},
		{Type: "function", Name: m.StakedBalance, StateMutability: "view", Inputs: []abiArg{{Name: "account", Type: "address"}}, Outputs: uint256},
		{Type: "function", Name: m.AvailableReward, StateMutability: "view", Inputs: []abiArg{{Name: "account", Type: "address"}}, Outputs: uint256},
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal staking abi: %w", err)
	}
	return string(data), nil
}

// ParseABIs parses the token and staking ABIs.
func ParseABIs(m Methods) (token abi.ABI, staking abi.ABI, err error) {
	token, err = abi.JSON(strings.NewReader(ERC20ABIJSON(m)))
	if err != nil {
		return abi.ABI{}, abi.ABI{}, fmt.Errorf("parse erc20 abi: %w", err)
	}

	stakingJSON, err := StakingABIJSON(m)
	if err != nil {
		return abi.ABI{}, abi.ABI{}, err
	}
	staking, err = abi.JSON(strings.NewReader(stakingJSON))
	if err != nil {
		return abi.ABI{}, abi.ABI{}, fmt.Errorf("parse staking abi: %w", err)
	}

	return token, staking, nil
}
