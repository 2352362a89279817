package provider

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxBackend is the subset of ethclient.Client the keystore needs to submit
// transactions.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ApproveFunc decides whether the user confirms a prompt. nil approves everything.
type ApproveFunc func(method string) bool

// KeystoreProvider is an in-process wallet holding secp256k1 keys.
// It answers the same methods a browser extension does and emits the same
// notifications when the active account or chain changes.
type KeystoreProvider struct {
	mu         sync.Mutex
	keys       []*ecdsa.PrivateKey
	active     int
	chainID    int64
	authorized bool
	backend    TxBackend
	approve    ApproveFunc

	subs    map[string]map[int]func(json.RawMessage)
	nextSub int
}

func NewKeystoreProvider(chainID int64, keys ...*ecdsa.PrivateKey) *KeystoreProvider {
	return &KeystoreProvider{
		keys:    keys,
		chainID: chainID,
		subs:    make(map[string]map[int]func(json.RawMessage)),
	}
}

// KeyFromHex parses a hex private key with or without 0x.
func KeyFromHex(s string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}

func (p *KeystoreProvider) WithBackend(b TxBackend) *KeystoreProvider {
	p.mu.Lock()
	p.backend = b
	p.mu.Unlock()
	return p
}

func (p *KeystoreProvider) WithApproval(fn ApproveFunc) *KeystoreProvider {
	p.mu.Lock()
	p.approve = fn
	p.mu.Unlock()
	return p
}

// Authorize marks the wallet as already connected to the site, the way an
// extension remembers a previously granted permission.
func (p *KeystoreProvider) Authorize() {
	p.mu.Lock()
	p.authorized = true
	p.mu.Unlock()
}

func (p *KeystoreProvider) ActiveAddress() common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(p.keys[p.active].PublicKey)
}

func (p *KeystoreProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	switch method {
	case "eth_requestAccounts":
		if !p.confirm(method) {
			return nil, rejected(method)
		}
		p.mu.Lock()
		if len(p.keys) == 0 {
			p.mu.Unlock()
			return json.Marshal([]string{})
		}
		p.authorized = true
		addr := crypto.PubkeyToAddress(p.keys[p.active].PublicKey)
		p.mu.Unlock()
		return json.Marshal([]string{addr.Hex()})

	case "eth_accounts":
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.authorized || len(p.keys) == 0 {
			return json.Marshal([]string{})
		}
		return json.Marshal([]string{crypto.PubkeyToAddress(p.keys[p.active].PublicKey).Hex()})

	case "eth_chainId":
		p.mu.Lock()
		defer p.mu.Unlock()
		return json.Marshal(hexutil.EncodeUint64(uint64(p.chainID)))

	case "personal_sign":
		return p.personalSign(params)

	case "eth_sendTransaction":
		return p.sendTransaction(ctx, params)

	case "wallet_switchEthereumChain":
		if len(params) != 1 {
			return nil, &RPCError{Code: -32602, Message: "expected one parameter"}
		}
		var arg struct {
			ChainID string `json:"chainId"`
		}
		if err := remarshal(params[0], &arg); err != nil {
			return nil, &RPCError{Code: -32602, Message: err.Error()}
		}
		id, err := hexutil.DecodeUint64(arg.ChainID)
		if err != nil || id == 0 {
			return nil, &RPCError{Code: -32602, Message: "invalid chainId"}
		}
		if !p.confirm(method) {
			return nil, rejected(method)
		}
		p.SwitchChain(int64(id))
		return json.RawMessage("null"), nil
	}
	return nil, &RPCError{Code: CodeUnsupportedMethod, Message: "unsupported method " + method}
}

func (p *KeystoreProvider) personalSign(params []any) (json.RawMessage, error) {
	if len(params) != 2 {
		return nil, &RPCError{Code: -32602, Message: "personal_sign expects [message, address]"}
	}
	msgParam, _ := params[0].(string)
	addrParam, _ := params[1].(string)

	key, err := p.authorizedKey(addrParam)
	if err != nil {
		return nil, err
	}
	if !p.confirm("personal_sign") {
		return nil, rejected("personal_sign")
	}

	msg := []byte(msgParam)
	if strings.HasPrefix(msgParam, "0x") {
		if decoded, err := hexutil.Decode(msgParam); err == nil {
			msg = decoded
		}
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return json.Marshal(hexutil.Encode(sig))
}

func (p *KeystoreProvider) sendTransaction(ctx context.Context, params []any) (json.RawMessage, error) {
	if len(params) != 1 {
		return nil, &RPCError{Code: -32602, Message: "eth_sendTransaction expects one parameter"}
	}
	var args TxArgs
	if err := remarshal(params[0], &args); err != nil {
		return nil, &RPCError{Code: -32602, Message: err.Error()}
	}
	if !common.IsHexAddress(args.To) {
		return nil, &RPCError{Code: -32602, Message: "invalid to address"}
	}

	key, err := p.authorizedKey(args.From)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	backend := p.backend
	chainID := p.chainID
	p.mu.Unlock()
	if backend == nil {
		return nil, &RPCError{Code: CodeDisconnected, Message: "wallet is not connected to a network"}
	}
	if !p.confirm("eth_sendTransaction") {
		return nil, rejected("eth_sendTransaction")
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress(args.To)
	value := new(big.Int)
	if args.Value != nil {
		value = args.Value.ToInt()
	}

	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: args.Data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     args.Data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(chainID)), key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return json.Marshal(signed.Hash().Hex())
}

// authorizedKey returns the active key if addr is the active, authorized account.
func (p *KeystoreProvider) authorizedKey(addr string) (*ecdsa.PrivateKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.authorized || len(p.keys) == 0 {
		return nil, &RPCError{Code: CodeUnauthorized, Message: "account not authorized"}
	}
	key := p.keys[p.active]
	if !common.IsHexAddress(addr) || common.HexToAddress(addr) != crypto.PubkeyToAddress(key.PublicKey) {
		return nil, &RPCError{Code: CodeUnauthorized, Message: "requested account is not the active account"}
	}
	return key, nil
}

func (p *KeystoreProvider) confirm(method string) bool {
	p.mu.Lock()
	fn := p.approve
	p.mu.Unlock()
	return fn == nil || fn(method)
}

func (p *KeystoreProvider) On(event string, handler func(json.RawMessage)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[event] == nil {
		p.subs[event] = make(map[int]func(json.RawMessage))
	}
	id := p.nextSub
	p.nextSub++
	p.subs[event][id] = handler

	return func() {
		p.mu.Lock()
		delete(p.subs[event], id)
		p.mu.Unlock()
	}
}

// Subscribers returns how many handlers are registered for event.
func (p *KeystoreProvider) Subscribers(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[event])
}

// SwitchAccount makes keys[i] active and notifies accountsChanged.
func (p *KeystoreProvider) SwitchAccount(i int) error {
	p.mu.Lock()
	if i < 0 || i >= len(p.keys) {
		p.mu.Unlock()
		return errors.New("account index out of range")
	}
	p.active = i
	authorized := p.authorized
	addr := crypto.PubkeyToAddress(p.keys[i].PublicKey).Hex()
	p.mu.Unlock()

	if authorized {
		p.emit(EventAccountsChanged, []string{addr})
	}
	return nil
}

// SwitchChain changes the active network and notifies chainChanged.
func (p *KeystoreProvider) SwitchChain(chainID int64) {
	p.mu.Lock()
	p.chainID = chainID
	p.mu.Unlock()
	p.emit(EventChainChanged, hexutil.EncodeUint64(uint64(chainID)))
}

// Lock revokes the site permission; listeners see an empty account list.
func (p *KeystoreProvider) Lock() {
	p.mu.Lock()
	p.authorized = false
	p.mu.Unlock()
	p.emit(EventAccountsChanged, []string{})
}

func (p *KeystoreProvider) emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	p.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(p.subs[event]))
	for _, h := range p.subs[event] {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
