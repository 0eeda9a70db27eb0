package config_test

import (
	"StakeFlow/internal/config"
	"StakeFlow/internal/gateway"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// === Test: defaults ===

func TestDefault_Validates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Network.ChainID != 84532 {
		t.Errorf("chain id: got %d", cfg.Network.ChainID)
	}
	if cfg.Staking.Precision != 18 {
		t.Errorf("precision: got %d", cfg.Staking.Precision)
	}
	want := gateway.DefaultMethods()
	want.AvailableReward = "getAvalibleReward"
	if cfg.Methods != want {
		t.Errorf("methods: got %+v", cfg.Methods)
	}
}

func TestDefault_RewardGetterMatchesDeployedPool(t *testing.T) {
	cfg := config.Default()
	if cfg.Methods.AvailableReward != "getAvalibleReward" {
		t.Fatalf("reward getter: got %q, want the deployed pool's getAvalibleReward", cfg.Methods.AvailableReward)
	}

	_, staking, err := gateway.ParseABIs(cfg.Gateway().Methods)
	if err != nil {
		t.Fatalf("parse abis: %v", err)
	}
	if _, ok := staking.Methods["getAvalibleReward"]; !ok {
		t.Error("gateway abi does not expose the deployed reward getter")
	}
	if cfg.Synchronizer().Methods.AvailableReward != "getAvalibleReward" {
		t.Error("synchronizer reads rewards under a different name")
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("http addr: got %s", cfg.Server.HTTPAddr)
	}
}

// === Test: layering ===

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stakeflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeYAML(t, `
network:
  rpcURL: http://localhost:8545
  chainID: 31337
methods:
  harvest: claim
ledger:
  confirmTimeout: 30s
  pollInterval: 500ms
staking:
  freshWithdrawCheck: true
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.RPCURL != "http://localhost:8545" || cfg.Network.ChainID != 31337 {
		t.Errorf("network: got %+v", cfg.Network)
	}
	if cfg.Methods.Harvest != "claim" || cfg.Methods.Stake != "stake" {
		t.Errorf("methods should merge with defaults: got %+v", cfg.Methods)
	}
	if cfg.Ledger.ConfirmTimeout != 30*time.Second || cfg.Ledger.PollInterval != 500*time.Millisecond {
		t.Errorf("ledger: got %+v", cfg.Ledger)
	}
	if !cfg.Staking.FreshWithdrawCheck {
		t.Error("freshWithdrawCheck not applied")
	}
	if cfg.Staking.Precision != 18 {
		t.Errorf("untouched default lost: precision %d", cfg.Staking.Precision)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "server:\n  httpAddr: \":7000\"\n")
	t.Setenv("STAKEFLOW_HTTP_ADDR", ":7001")
	t.Setenv("STAKEFLOW_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("STAKEFLOW_REFRESH_TIMEOUT", "5s")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":7001" {
		t.Errorf("http addr: got %s", cfg.Server.HTTPAddr)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers: got %v", cfg.Kafka.Brokers)
	}
	if cfg.Staking.RefreshTimeout != 5*time.Second {
		t.Errorf("refresh timeout: got %s", cfg.Staking.RefreshTimeout)
	}
}

// === Test: validation ===

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad address", map[string]string{"STAKEFLOW_STAKING_CONTRACT": "0x1234"}, "contracts.staking"},
		{"bad duration", map[string]string{"STAKEFLOW_CONFIRM_TIMEOUT": "soon"}, "STAKEFLOW_CONFIRM_TIMEOUT"},
		{"bad int", map[string]string{"STAKEFLOW_JOURNAL_BATCH_SIZE": "many"}, "STAKEFLOW_JOURNAL_BATCH_SIZE"},
		{"poll exceeds timeout", map[string]string{"STAKEFLOW_POLL_INTERVAL": "10m"}, "pollInterval"},
		{"bad allowed account", map[string]string{"STAKEFLOW_ALLOWED_ACCOUNTS": "alice"}, "allowedAccounts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_Precision(t *testing.T) {
	cfg := config.Default()
	cfg.Staking.Precision = 78
	if err := cfg.Validate(); err == nil {
		t.Error("precision 78 should be rejected")
	}
	cfg.Staking.Precision = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("precision 0 should be accepted: %v", err)
	}
}

func TestValidate_EmptyMethod(t *testing.T) {
	cfg := config.Default()
	cfg.Methods.Approve = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty method name should be rejected")
	}
}

// === Test: derived component configs ===

func TestDerivedConfigs(t *testing.T) {
	cfg := config.Default()
	staking := common.HexToAddress(cfg.Contracts.Staking)

	gw := cfg.Gateway()
	if gw.Contracts[gateway.ContractStaking] != staking {
		t.Errorf("gateway staking address: got %s", gw.Contracts[gateway.ContractStaking].Hex())
	}
	if gw.ChainID.Int64() != cfg.Network.ChainID {
		t.Errorf("gateway chain id: got %s", gw.ChainID)
	}

	orch := cfg.Orchestrator()
	if orch.StakingAddress != staking || orch.RewardTokenKey != "dUSDC" {
		t.Errorf("orchestrator config: got %+v", orch)
	}

	tokens := cfg.Synchronizer().Tokens
	if len(tokens) != 3 || tokens[0].Key != "STK" || !tokens[2].Native {
		t.Errorf("tokens: got %+v", tokens)
	}
}
