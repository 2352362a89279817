// Package provider is the boundary to an injected EIP-1193 style wallet:
// account and chain requests, message signing, transaction submission and
// the accountsChanged / chainChanged notifications.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Provider events
const (
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
)

// EIP-1193 provider error codes
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
)

var (
	// ErrNoProvider — кошелёк не найден; без установки провайдера повторять бессмысленно.
	ErrNoProvider   = errors.New("no wallet detected")
	ErrUserRejected = errors.New("user rejected the request")
	ErrNoAccounts   = errors.New("wallet returned no accounts")
)

// Provider is an injected wallet. Request blocks until the wallet answers,
// which may take as long as the user needs to confirm a prompt.
type Provider interface {
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	On(event string, handler func(payload json.RawMessage)) (unsubscribe func())
}

// RPCError is an error reported by the wallet itself.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet error %d: %s", e.Code, e.Message)
}

func (e *RPCError) Is(target error) bool {
	return target == ErrUserRejected && e.Code == CodeUserRejected
}

func rejected(method string) error {
	return &RPCError{Code: CodeUserRejected, Message: method + " rejected by user"}
}
