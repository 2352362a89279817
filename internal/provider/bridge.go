package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/learnverse/backend/internal/identity"
	"go.uber.org/zap"
)

// TxArgs is the eth_sendTransaction parameter object.
type TxArgs struct {
	From  string        `json:"from"`
	To    string        `json:"to"`
	Data  hexutil.Bytes `json:"data,omitempty"`
	Value *hexutil.Big  `json:"value,omitempty"`
}

// Bridge is a thin pass-through over an optional Provider.
// A nil provider yields ErrNoProvider from every call.
type Bridge struct {
	provider Provider
	log      *zap.Logger
}

func NewBridge(p Provider, log *zap.Logger) *Bridge {
	return &Bridge{provider: p, log: log}
}

func (b *Bridge) Available() bool {
	return b != nil && b.provider != nil
}

// RequestAccounts asks the wallet for access (eth_requestAccounts).
func (b *Bridge) RequestAccounts(ctx context.Context) ([]string, error) {
	return b.accounts(ctx, "eth_requestAccounts")
}

// Accounts returns already authorized accounts without prompting (eth_accounts).
func (b *Bridge) Accounts(ctx context.Context) ([]string, error) {
	return b.accounts(ctx, "eth_accounts")
}

func (b *Bridge) accounts(ctx context.Context, method string) ([]string, error) {
	if !b.Available() {
		return nil, ErrNoProvider
	}
	raw, err := b.provider.Request(ctx, method)
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return accounts, nil
}

// RequestChainID returns the wallet's active chain (eth_chainId).
func (b *Bridge) RequestChainID(ctx context.Context) (int64, error) {
	if !b.Available() {
		return 0, ErrNoProvider
	}
	raw, err := b.provider.Request(ctx, "eth_chainId")
	if err != nil {
		return 0, err
	}
	id := parseChainPayload(raw)
	if id == 0 {
		return 0, fmt.Errorf("wallet returned invalid chain id %s", string(raw))
	}
	return id, nil
}

// SignMessage asks the wallet to personal_sign message verbatim as address.
func (b *Bridge) SignMessage(ctx context.Context, message, address string) (string, error) {
	if !b.Available() {
		return "", ErrNoProvider
	}
	raw, err := b.provider.Request(ctx, "personal_sign", hexutil.Encode([]byte(message)), address)
	if err != nil {
		return "", err
	}
	var sig string
	if err := json.Unmarshal(raw, &sig); err != nil {
		return "", fmt.Errorf("decode personal_sign result: %w", err)
	}
	return sig, nil
}

// SendTransaction submits a transaction through the wallet and returns its hash.
func (b *Bridge) SendTransaction(ctx context.Context, args TxArgs) (common.Hash, error) {
	if !b.Available() {
		return common.Hash{}, ErrNoProvider
	}
	raw, err := b.provider.Request(ctx, "eth_sendTransaction", args)
	if err != nil {
		return common.Hash{}, err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("decode eth_sendTransaction result: %w", err)
	}
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		return common.Hash{}, fmt.Errorf("wallet returned malformed tx hash %q", hash)
	}
	return common.HexToHash(hash), nil
}

// Subscribe registers both notification handlers. The returned release
// function unsubscribes both and is safe to call more than once.
func (b *Bridge) Subscribe(onAccounts func([]string), onChain func(int64)) (func(), error) {
	if !b.Available() {
		return func() {}, ErrNoProvider
	}

	offAccounts := b.provider.On(EventAccountsChanged, func(payload json.RawMessage) {
		var accounts []string
		if err := json.Unmarshal(payload, &accounts); err != nil {
			b.log.Warn("malformed accountsChanged payload", zap.Error(err))
			return
		}
		onAccounts(accounts)
	})
	offChain := b.provider.On(EventChainChanged, func(payload json.RawMessage) {
		id := parseChainPayload(payload)
		if id == 0 {
			b.log.Warn("malformed chainChanged payload", zap.String("payload", string(payload)))
			return
		}
		onChain(id)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			offAccounts()
			offChain()
		})
	}, nil
}

// Signer exposes the wallet as a transaction signer for the ledger engine.
func (b *Bridge) Signer() *BridgeSigner {
	return &BridgeSigner{bridge: b}
}

// BridgeSigner signs and submits transactions with the wallet's active account.
type BridgeSigner struct {
	bridge *Bridge
}

func (s *BridgeSigner) Address(ctx context.Context) (common.Address, error) {
	accounts, err := s.bridge.Accounts(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 {
		return common.Address{}, ErrNoAccounts
	}
	addr, ok := identity.NormalizeAddress(accounts[0])
	if !ok {
		return common.Address{}, fmt.Errorf("wallet returned invalid address %q", accounts[0])
	}
	return common.HexToAddress(addr), nil
}

func (s *BridgeSigner) SendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	from, err := s.Address(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	args := TxArgs{From: from.Hex(), To: to.Hex(), Data: data}
	if value != nil && value.Sign() > 0 {
		args.Value = (*hexutil.Big)(value)
	}
	return s.bridge.SendTransaction(ctx, args)
}

// parseChainPayload accepts "0x89", "137" or 137.
func parseChainPayload(raw json.RawMessage) int64 {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return identity.NormalizeChainID(s, 0)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return identity.NormalizeChainID(n.String(), 0)
	}
	return 0
}
