package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrReverted = errors.New("transaction reverted")
	ErrNoSigner = errors.New("no signer configured")
)

// EthConfig configures an EthGateway.
type EthConfig struct {
	ChainID        *big.Int // optional; checked against the node on dial
	Contracts      map[ContractID]common.Address
	Methods        Methods
	NativeSymbol   string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Confirmations  uint64  // blocks including the inclusion block; 0 or 1 = inclusion
	ReadRPS        float64 // 0 disables throttling
	ReadBurst      int
}

// EthGateway implements Gateway over an EVM JSON-RPC endpoint.
type EthGateway struct {
	client    *ethclient.Client
	signer    Signer
	cfg       EthConfig
	tokenABI  abi.ABI
	contracts map[ContractID]*bind.BoundContract
	limiter   *rate.Limiter
	logger    zerolog.Logger

	mu     sync.Mutex
	erc20s map[common.Address]*erc20Meta
}

type erc20Meta struct {
	contract *bind.BoundContract
	decimals uint8
	symbol   string
	loaded   bool
}

// DialEth connects to rpcURL and binds the configured contracts. signer may
// be nil for a read-only gateway.
func DialEth(ctx context.Context, rpcURL string, cfg EthConfig, signer Signer, logger zerolog.Logger) (*EthGateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	if cfg.ChainID != nil {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("read chain id: %w", err)
		}
		if chainID.Cmp(cfg.ChainID) != 0 {
			client.Close()
			return nil, fmt.Errorf("chain id mismatch: node=%s configured=%s", chainID, cfg.ChainID)
		}
	}

	g, err := NewEthGateway(client, cfg, signer, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return g, nil
}

func NewEthGateway(client *ethclient.Client, cfg EthConfig, signer Signer, logger zerolog.Logger) (*EthGateway, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}

	tokenABI, stakingABI, err := ParseABIs(cfg.Methods)
	if err != nil {
		return nil, err
	}

	abis := map[ContractID]abi.ABI{
		ContractToken:   tokenABI,
		ContractStaking: stakingABI,
	}

	contracts := make(map[ContractID]*bind.BoundContract, len(abis))
	for id, parsed := range abis {
		addr, ok := cfg.Contracts[id]
		if !ok {
			return nil, fmt.Errorf("no address configured for contract %q", id)
		}
		contracts[id] = bind.NewBoundContract(addr, parsed, client, client, client)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ReadRPS > 0 {
		burst := cfg.ReadBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ReadRPS), burst)
	}

	return &EthGateway{
		client:    client,
		signer:    signer,
		cfg:       cfg,
		tokenABI:  tokenABI,
		contracts: contracts,
		limiter:   limiter,
		logger:    logger,
		erc20s:    make(map[common.Address]*erc20Meta),
	}, nil
}

func (g *EthGateway) Close() {
	g.client.Close()
}

// Call reads contract state at the latest block.
func (g *EthGateway) Call(ctx context.Context, contract ContractID, method string, args ...any) ([]any, error) {
	bc, ok := g.contracts[contract]
	if !ok {
		return nil, &RPCError{Contract: contract, Method: method, Err: fmt.Errorf("unknown contract")}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &RPCError{Contract: contract, Method: method, Err: err}
	}

	var out []any
	if err := bc.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, &RPCError{Contract: contract, Method: method, Err: err}
	}
	return out, nil
}

// Send signs and broadcasts. It is not retried on failure.
func (g *EthGateway) Send(ctx context.Context, contract ContractID, method string, args ...any) (*TxHandle, error) {
	bc, ok := g.contracts[contract]
	if !ok {
		return nil, &SubmissionError{Contract: contract, Method: method, Err: fmt.Errorf("unknown contract")}
	}
	if g.signer == nil {
		return nil, &SubmissionError{Contract: contract, Method: method, Err: ErrNoSigner}
	}

	opts, err := g.signer.TransactOpts(ctx)
	if err != nil {
		return nil, &SubmissionError{Contract: contract, Method: method, Err: err}
	}

	tx, err := bc.Transact(opts, method, args...)
	if err != nil {
		return nil, &SubmissionError{Contract: contract, Method: method, Err: err}
	}

	g.logger.Debug().
		Str("contract", string(contract)).
		Str("method", method).
		Str("tx_hash", tx.Hash().Hex()).
		Uint64("nonce", tx.Nonce()).
		Msg("transaction submitted")

	return &TxHandle{
		Hash:        tx.Hash(),
		Contract:    contract,
		Method:      method,
		Nonce:       tx.Nonce(),
		SubmittedAt: time.Now(),
	}, nil
}

// AwaitConfirmation polls for the receipt until it is final or the
// configured bound elapses. Transient receipt lookup failures are retried
// within the bound; they never resubmit anything.
func (g *EthGateway) AwaitConfirmation(ctx context.Context, handle *TxHandle) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.pollReceipt(waitCtx, handle.Hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &ConfirmationError{TxHash: handle.Hash, Method: handle.Method, Err: ErrReverted}
			}
			if g.isFinal(waitCtx, receipt) {
				return &Receipt{
					TxHash:      handle.Hash,
					BlockNumber: receipt.BlockNumber.Uint64(),
					GasUsed:     receipt.GasUsed,
					Success:     true,
				}, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			g.logger.Debug().Err(err).Str("tx_hash", handle.Hash.Hex()).Msg("receipt lookup failed, retrying")
		}

		select {
		case <-waitCtx.Done():
			return nil, &TimeoutError{TxHash: handle.Hash, Method: handle.Method, Timeout: g.cfg.ConfirmTimeout, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (g *EthGateway) pollReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.client.TransactionReceipt(ctx, hash)
}

func (g *EthGateway) isFinal(ctx context.Context, receipt *types.Receipt) bool {
	if g.cfg.Confirmations <= 1 {
		return true
	}
	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return false
	}
	return head+1 >= receipt.BlockNumber.Uint64()+g.cfg.Confirmations
}

// TokenBalance reads the native balance or an ERC20 balance. Token
// decimals and symbol are read once and cached.
func (g *EthGateway) TokenBalance(ctx context.Context, token TokenRef, account common.Address) (*TokenBalance, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &RPCError{Contract: ContractID(token.Key), Method: "balanceOf", Err: err}
	}

	if token.Native {
		raw, err := g.client.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, &RPCError{Contract: ContractID(token.Key), Method: "eth_getBalance", Err: err}
		}
		return &TokenBalance{Raw: raw, Decimals: 18, Symbol: g.cfg.NativeSymbol}, nil
	}

	contract, decimals, symbol, err := g.erc20(ctx, token)
	if err != nil {
		return nil, err
	}

	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, &RPCError{Contract: ContractID(token.Key), Method: "balanceOf", Err: err}
	}
	raw, err := BigIntResult(out)
	if err != nil {
		return nil, &RPCError{Contract: ContractID(token.Key), Method: "balanceOf", Err: err}
	}

	return &TokenBalance{Raw: raw, Decimals: decimals, Symbol: symbol}, nil
}

func (g *EthGateway) erc20(ctx context.Context, token TokenRef) (*bind.BoundContract, uint8, string, error) {
	g.mu.Lock()
	meta, ok := g.erc20s[token.Address]
	if !ok {
		meta = &erc20Meta{
			contract: bind.NewBoundContract(token.Address, g.tokenABI, g.client, g.client, g.client),
		}
		g.erc20s[token.Address] = meta
	}
	contract, loaded := meta.contract, meta.loaded
	decimals, symbol := meta.decimals, meta.symbol
	g.mu.Unlock()

	if loaded {
		return contract, decimals, symbol, nil
	}

	var decOut, symOut []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &decOut, "decimals"); err != nil {
		return nil, 0, "", &RPCError{Contract: ContractID(token.Key), Method: "decimals", Err: err}
	}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &symOut, "symbol"); err != nil {
		return nil, 0, "", &RPCError{Contract: ContractID(token.Key), Method: "symbol", Err: err}
	}

	decimals, ok = firstOf[uint8](decOut)
	if !ok {
		return nil, 0, "", &RPCError{Contract: ContractID(token.Key), Method: "decimals", Err: fmt.Errorf("unexpected result %v", decOut)}
	}
	symbol, _ = firstOf[string](symOut)

	g.mu.Lock()
	meta.decimals = decimals
	meta.symbol = symbol
	meta.loaded = true
	g.mu.Unlock()

	return contract, decimals, symbol, nil
}

// BigIntResult extracts a single uint256 return value.
func BigIntResult(out []any) (*big.Int, error) {
	v, ok := firstOf[*big.Int](out)
	if !ok || v == nil {
		return nil, fmt.Errorf("expected uint256 result, got %v", out)
	}
	return v, nil
}

func firstOf[T any](out []any) (T, bool) {
	var zero T
	if len(out) == 0 {
		return zero, false
	}
	v, ok := out[0].(T)
	return v, ok
}

var _ Gateway = (*EthGateway)(nil)
