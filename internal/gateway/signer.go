package gateway

import (
	"context"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Signer authorises writes. Key material stays behind this interface.
type Signer interface {
	Address() common.Address
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// KeystoreSigner signs with an encrypted JSON keystore file.
type KeystoreSigner struct {
	opts *bind.TransactOpts
}

func NewKeystoreSigner(path, passphrase string, chainID *big.Int) (*KeystoreSigner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	defer f.Close()

	opts, err := bind.NewTransactorWithChainID(f, passphrase, chainID)
	if err != nil {
		return nil, fmt.Errorf("unlock keystore: %w", err)
	}

	return &KeystoreSigner{opts: opts}, nil
}

func (s *KeystoreSigner) Address() common.Address {
	return s.opts.From
}

// TransactOpts returns a per-call copy bound to ctx; nonce and gas are left
// for the backend to fill.
func (s *KeystoreSigner) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts := *s.opts
	opts.Context = ctx
	return &opts, nil
}
