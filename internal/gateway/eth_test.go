package gateway_test

import (
	"StakeFlow/internal/gateway"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

var (
	tokenAddr   = common.HexToAddress("0x00000000000000000000000000000000000070CE")
	stakingAddr = common.HexToAddress("0x0000000000000000000000000000000000005AFE")
	holder      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

// rpcNode is a JSON-RPC endpoint answering the handful of eth_ methods the
// gateway uses. Receipt and head behaviour are scripted per poll.
type rpcNode struct {
	mu        sync.Mutex
	methods   map[string]int
	selectors map[string]int
	results   map[string][]byte
	callErr   string
	sendErr   string
	native    *big.Int

	// receipt returns the status and block of the nth receipt lookup, or
	// false while the transaction is pending.
	receipt func(n int) (status uint64, block uint64, mined bool)
	head    func(n int) uint64

	srv *httptest.Server
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newRPCNode(t *testing.T) *rpcNode {
	t.Helper()
	n := &rpcNode{
		methods:   make(map[string]int),
		selectors: make(map[string]int),
		results:   make(map[string][]byte),
		native:    big.NewInt(0),
		head:      func(int) uint64 { return 0 },
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *rpcNode) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, rpcErr := n.handle(req)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != "" {
		resp["error"] = map[string]any{"code": -32000, "message": rpcErr}
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (n *rpcNode) handle(req rpcRequest) (any, string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.methods[req.Method]++
	count := n.methods[req.Method]

	switch req.Method {
	case "eth_call":
		var arg struct {
			Input hexutil.Bytes `json:"input"`
		}
		if len(req.Params) > 0 {
			json.Unmarshal(req.Params[0], &arg)
		}
		if len(arg.Input) < 4 {
			return nil, "missing calldata"
		}
		sel := hexutil.Encode(arg.Input[:4])
		n.selectors[sel]++
		if n.callErr != "" {
			return nil, n.callErr
		}
		out, ok := n.results[sel]
		if !ok {
			return nil, "execution reverted"
		}
		return hexutil.Bytes(out), ""

	case "eth_getTransactionReceipt":
		var hash common.Hash
		json.Unmarshal(req.Params[0], &hash)
		if n.receipt == nil {
			return nil, ""
		}
		status, block, mined := n.receipt(count)
		if !mined {
			return nil, ""
		}
		return map[string]any{
			"status":            hexutil.Uint64(status),
			"cumulativeGasUsed": hexutil.Uint64(21_000),
			"gasUsed":           hexutil.Uint64(21_000),
			"logsBloom":         "0x" + strings.Repeat("00", 256),
			"logs":              []any{},
			"transactionHash":   hash,
			"blockNumber":       (*hexutil.Big)(new(big.Int).SetUint64(block)),
			"transactionIndex":  "0x0",
		}, ""

	case "eth_blockNumber":
		return hexutil.Uint64(n.head(count)), ""

	case "eth_getBalance":
		return (*hexutil.Big)(n.native), ""

	case "eth_sendRawTransaction":
		if n.sendErr != "" {
			return nil, n.sendErr
		}
		return common.Hash{}, ""
	}
	return nil, "method not found: " + req.Method
}

// returns scripts the output of an eth_call to m.
func (n *rpcNode) returns(t *testing.T, m abi.Method, values ...any) {
	t.Helper()
	out, err := m.Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("pack %s: %v", m.Name, err)
	}
	n.mu.Lock()
	n.results[hexutil.Encode(m.ID)] = out
	n.mu.Unlock()
}

func (n *rpcNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.methods[method]
}

func (n *rpcNode) callsTo(m abi.Method) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.selectors[hexutil.Encode(m.ID)]
}

func (n *rpcNode) gateway(t *testing.T, cfg gateway.EthConfig, signer gateway.Signer) *gateway.EthGateway {
	t.Helper()
	client, err := ethclient.Dial(n.srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(client.Close)

	cfg.Methods = gateway.DefaultMethods()
	cfg.Contracts = map[gateway.ContractID]common.Address{
		gateway.ContractToken:   tokenAddr,
		gateway.ContractStaking: stakingAddr,
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 2 * time.Second
	}

	g, err := gateway.NewEthGateway(client, cfg, signer, zerolog.Nop())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func abis(t *testing.T) (abi.ABI, abi.ABI) {
	t.Helper()
	token, staking, err := gateway.ParseABIs(gateway.DefaultMethods())
	if err != nil {
		t.Fatalf("parse abis: %v", err)
	}
	return token, staking
}

// keySigner signs with a throwaway key and fixed nonce and gas, so a send
// is a single eth_sendRawTransaction.
type keySigner struct {
	opts *bind.TransactOpts
}

func newKeySigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(84532))
	if err != nil {
		t.Fatal(err)
	}
	opts.Nonce = big.NewInt(7)
	opts.GasPrice = big.NewInt(1_000_000_000)
	opts.GasLimit = 100_000
	return &keySigner{opts: opts}
}

func (s *keySigner) Address() common.Address { return s.opts.From }

func (s *keySigner) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts := *s.opts
	opts.Context = ctx
	return &opts, nil
}

func pendingHandle() *gateway.TxHandle {
	return &gateway.TxHandle{
		Hash:     common.HexToHash("0x09"),
		Contract: gateway.ContractStaking,
		Method:   "stake",
	}
}

// === Test: reads ===

func TestEthGateway_CallDecodesResult(t *testing.T) {
	node := newRPCNode(t)
	_, staking := abis(t)
	node.returns(t, staking.Methods["getBalanceOfUser"], big.NewInt(5))
	g := node.gateway(t, gateway.EthConfig{}, nil)

	out, err := g.Call(context.Background(), gateway.ContractStaking, "getBalanceOfUser", holder)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	v, err := gateway.BigIntResult(out)
	if err != nil || v.Int64() != 5 {
		t.Fatalf("got %v, %v; want 5", v, err)
	}
}

func TestEthGateway_CallFailureIsRPCError(t *testing.T) {
	node := newRPCNode(t)
	node.callErr = "node unavailable"
	g := node.gateway(t, gateway.EthConfig{}, nil)

	_, err := g.Call(context.Background(), gateway.ContractStaking, "getAvailableReward", holder)
	var rpcErr *gateway.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Method != "getAvailableReward" || rpcErr.Contract != gateway.ContractStaking {
		t.Errorf("got %s.%s", rpcErr.Contract, rpcErr.Method)
	}
}

func TestEthGateway_TokenBalanceCachesMetadata(t *testing.T) {
	node := newRPCNode(t)
	token, _ := abis(t)
	node.returns(t, token.Methods["decimals"], uint8(6))
	node.returns(t, token.Methods["symbol"], "dUSDC")
	node.returns(t, token.Methods["balanceOf"], big.NewInt(1_234_567))
	g := node.gateway(t, gateway.EthConfig{}, nil)

	ref := gateway.TokenRef{Key: "dUSDC", Address: tokenAddr}
	for i := 0; i < 2; i++ {
		bal, err := g.TokenBalance(context.Background(), ref, holder)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if bal.Raw.Int64() != 1_234_567 || bal.Decimals != 6 || bal.Symbol != "dUSDC" {
			t.Fatalf("read %d: got %s/%d/%s", i, bal.Raw, bal.Decimals, bal.Symbol)
		}
	}

	if got := node.callsTo(token.Methods["decimals"]); got != 1 {
		t.Errorf("decimals reads: got %d, want 1", got)
	}
	if got := node.callsTo(token.Methods["symbol"]); got != 1 {
		t.Errorf("symbol reads: got %d, want 1", got)
	}
	if got := node.callsTo(token.Methods["balanceOf"]); got != 2 {
		t.Errorf("balanceOf reads: got %d, want 2", got)
	}
}

func TestEthGateway_NativeBalance(t *testing.T) {
	node := newRPCNode(t)
	node.native, _ = new(big.Int).SetString("1000000000000000000", 10)
	g := node.gateway(t, gateway.EthConfig{NativeSymbol: "ETH"}, nil)

	bal, err := g.TokenBalance(context.Background(), gateway.TokenRef{Key: "ETH", Native: true}, holder)
	if err != nil {
		t.Fatalf("native read: %v", err)
	}
	if bal.Raw.Cmp(node.native) != 0 || bal.Decimals != 18 || bal.Symbol != "ETH" {
		t.Errorf("got %s/%d/%s", bal.Raw, bal.Decimals, bal.Symbol)
	}
	if node.count("eth_call") != 0 {
		t.Error("native balance should not call a contract")
	}
}

// === Test: writes ===

func TestEthGateway_SendBroadcastsOnce(t *testing.T) {
	node := newRPCNode(t)
	g := node.gateway(t, gateway.EthConfig{}, newKeySigner(t))

	handle, err := g.Send(context.Background(), gateway.ContractStaking, "stake", big.NewInt(10))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if handle.Hash == (common.Hash{}) || handle.Nonce != 7 || handle.Method != "stake" {
		t.Errorf("handle: %+v", handle)
	}
	if got := node.count("eth_sendRawTransaction"); got != 1 {
		t.Errorf("broadcasts: got %d, want 1", got)
	}
}

func TestEthGateway_SendFailures(t *testing.T) {
	tests := []struct {
		name    string
		signer  gateway.Signer
		sendErr string
		cause   error
	}{
		{"no signer", nil, "", gateway.ErrNoSigner},
		{"node rejects", nil, "nonce too low", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newRPCNode(t)
			node.sendErr = tt.sendErr
			signer := tt.signer
			if tt.sendErr != "" {
				signer = newKeySigner(t)
			}
			g := node.gateway(t, gateway.EthConfig{}, signer)

			_, err := g.Send(context.Background(), gateway.ContractStaking, "getReward")
			var sub *gateway.SubmissionError
			if !errors.As(err, &sub) {
				t.Fatalf("expected SubmissionError, got %v", err)
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("cause: got %v, want %v", err, tt.cause)
			}
		})
	}
}

// === Test: confirmation ===

func TestEthGateway_AwaitConfirmation(t *testing.T) {
	tests := []struct {
		name          string
		confirmations uint64
		receipt       func(n int) (uint64, uint64, bool)
		head          func(n int) uint64
		minPolls      int
		minHeads      int
	}{
		{
			name:     "mined on first poll",
			receipt:  func(int) (uint64, uint64, bool) { return 1, 10, true },
			minPolls: 1,
		},
		{
			name:     "pending then mined",
			receipt:  func(n int) (uint64, uint64, bool) { return 1, 10, n >= 3 },
			minPolls: 3,
		},
		{
			name:          "waits for confirmation depth",
			confirmations: 3,
			receipt:       func(int) (uint64, uint64, bool) { return 1, 10, true },
			head:          func(n int) uint64 { return 9 + uint64(n) },
			minPolls:      3,
			minHeads:      3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newRPCNode(t)
			node.receipt = tt.receipt
			if tt.head != nil {
				node.head = tt.head
			}
			g := node.gateway(t, gateway.EthConfig{Confirmations: tt.confirmations}, nil)

			receipt, err := g.AwaitConfirmation(context.Background(), pendingHandle())
			if err != nil {
				t.Fatalf("await: %v", err)
			}
			if !receipt.Success || receipt.BlockNumber != 10 || receipt.TxHash != pendingHandle().Hash {
				t.Errorf("receipt: %+v", receipt)
			}
			if got := node.count("eth_getTransactionReceipt"); got < tt.minPolls {
				t.Errorf("receipt polls: got %d, want >= %d", got, tt.minPolls)
			}
			if got := node.count("eth_blockNumber"); got < tt.minHeads {
				t.Errorf("head reads: got %d, want >= %d", got, tt.minHeads)
			}
		})
	}
}

func TestEthGateway_RevertIsConfirmationError(t *testing.T) {
	node := newRPCNode(t)
	node.receipt = func(int) (uint64, uint64, bool) { return 0, 10, true }
	g := node.gateway(t, gateway.EthConfig{}, nil)

	_, err := g.AwaitConfirmation(context.Background(), pendingHandle())
	var ce *gateway.ConfirmationError
	if !errors.As(err, &ce) || !errors.Is(err, gateway.ErrReverted) {
		t.Fatalf("expected reverted ConfirmationError, got %v", err)
	}
	var te *gateway.TimeoutError
	if errors.As(err, &te) {
		t.Error("a revert is not a timeout")
	}
}

func TestEthGateway_BoundElapsedIsTimeout(t *testing.T) {
	node := newRPCNode(t)
	g := node.gateway(t, gateway.EthConfig{ConfirmTimeout: 50 * time.Millisecond}, nil)

	_, err := g.AwaitConfirmation(context.Background(), pendingHandle())
	var te *gateway.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Timeout != 50*time.Millisecond || te.Err != nil {
		t.Errorf("timeout: got %s / %v", te.Timeout, te.Err)
	}
	if node.count("eth_getTransactionReceipt") < 2 {
		t.Error("expected the receipt to be polled more than once")
	}
}

func TestEthGateway_CallerGivingUpIsTimeoutNotRevert(t *testing.T) {
	tests := []struct {
		name  string
		ctx   func() (context.Context, context.CancelFunc)
		cause error
	}{
		{
			name: "deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			cause: context.DeadlineExceeded,
		},
		{
			name: "cancelled",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(50*time.Millisecond, cancel)
				return ctx, cancel
			},
			cause: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newRPCNode(t)
			g := node.gateway(t, gateway.EthConfig{ConfirmTimeout: time.Minute}, nil)

			ctx, cancel := tt.ctx()
			defer cancel()

			_, err := g.AwaitConfirmation(ctx, pendingHandle())
			var te *gateway.TimeoutError
			if !errors.As(err, &te) || !errors.Is(err, tt.cause) {
				t.Fatalf("expected TimeoutError wrapping %v, got %v", tt.cause, err)
			}
			var ce *gateway.ConfirmationError
			if errors.As(err, &ce) {
				t.Error("an abandoned wait must not look like a revert")
			}
		})
	}
}
