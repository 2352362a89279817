// Package identity canonicalizes EVM addresses and chain ids and derives
// did:pkh identifiers from them.
package identity

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DIDPrefix — did:pkh для сетей CAIP-2 namespace eip155.
	DIDPrefix = "did:pkh:eip155:"

	// DefaultChainID is Ethereum mainnet.
	DefaultChainID int64 = 1
)

// NormalizeAddress returns the EIP-55 checksummed form of input.
// Mixed-case input must already carry a valid checksum.
// Returns ok=false for anything that is not an address; never panics.
func NormalizeAddress(input string) (string, bool) {
	s := strings.TrimSpace(input)
	if !common.IsHexAddress(s) {
		return "", false
	}

	hexPart := s
	if len(hexPart) >= 2 && (hexPart[:2] == "0x" || hexPart[:2] == "0X") {
		hexPart = hexPart[2:]
	}

	checksummed := common.HexToAddress(s).Hex()
	if isMixedCase(hexPart) && checksummed[2:] != hexPart {
		return "", false
	}
	return checksummed, true
}

// SameAddress compares two addresses ignoring checksum casing.
// Invalid input never matches.
func SameAddress(a, b string) bool {
	na, ok := NormalizeAddress(a)
	if !ok {
		return false
	}
	nb, ok := NormalizeAddress(b)
	if !ok {
		return false
	}
	return na == nb
}

// NormalizeChainID coerces a decimal or 0x-hex quantity to a positive chain id.
// Missing, non-numeric, zero or negative input yields fallback.
func NormalizeChainID(input string, fallback int64) int64 {
	s := strings.TrimSpace(input)
	if s == "" {
		return fallback
	}

	var (
		v   int64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseInt(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseInt(s, 10, 64)
	}
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// ChainIDFromBig applies the NormalizeChainID rules to an RPC result.
func ChainIDFromBig(v *big.Int, fallback int64) int64 {
	if v == nil || v.Sign() <= 0 || !v.IsInt64() {
		return fallback
	}
	return v.Int64()
}

// ToDID builds did:pkh:eip155:<chainId>:<lowercase address>.
func ToDID(chainID int64, address string) string {
	return DIDPrefix + strconv.FormatInt(chainID, 10) + ":" + strings.ToLower(address)
}

// ParseDID splits a did:pkh:eip155 identifier into chain id and checksummed address.
func ParseDID(did string) (int64, string, error) {
	if !strings.HasPrefix(did, DIDPrefix) {
		return 0, "", fmt.Errorf("unsupported did method: %q", did)
	}
	parts := strings.Split(strings.TrimPrefix(did, DIDPrefix), ":")
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed did: %q", did)
	}

	chainID := NormalizeChainID(parts[0], 0)
	if chainID == 0 || strings.HasPrefix(parts[0], "0x") {
		return 0, "", fmt.Errorf("invalid chain id in did: %q", parts[0])
	}
	addr, ok := NormalizeAddress(parts[1])
	if !ok {
		return 0, "", fmt.Errorf("invalid address in did: %q", parts[1])
	}
	return chainID, addr, nil
}

func isMixedCase(s string) bool {
	return strings.ToLower(s) != s && strings.ToUpper(s) != s
}
