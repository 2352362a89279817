package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChallengeFields — всё, что входит в текст challenge (формат EIP-4361).
type ChallengeFields struct {
	Domain    string
	Address   string
	Statement string
	URI       string
	ChainID   int64
	Nonce     string
	RequestID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

const challengeHeaderSuffix = " wants you to sign in with your Ethereum account:"

// NewNonce генерирует случайный alphanumeric nonce (EIP-4361 требует >= 8 символов).
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// BuildChallengeMessage собирает текст, который кошелёк подписывает без изменений.
func BuildChallengeMessage(f ChallengeFields) string {
	var b strings.Builder
	b.WriteString(f.Domain + challengeHeaderSuffix + "\n")
	b.WriteString(f.Address + "\n\n")
	if f.Statement != "" {
		b.WriteString(f.Statement + "\n\n")
	}
	b.WriteString("URI: " + f.URI + "\n")
	b.WriteString("Version: 1\n")
	b.WriteString("Chain ID: " + strconv.FormatInt(f.ChainID, 10) + "\n")
	b.WriteString("Nonce: " + f.Nonce + "\n")
	b.WriteString("Issued At: " + f.IssuedAt.UTC().Format(time.RFC3339) + "\n")
	b.WriteString("Expiration Time: " + f.ExpiresAt.UTC().Format(time.RFC3339) + "\n")
	b.WriteString("Request ID: " + f.RequestID)
	return b.String()
}

// ParseChallengeMessage разбирает текст, собранный BuildChallengeMessage.
func ParseChallengeMessage(msg string) (*ChallengeFields, error) {
	lines := strings.Split(msg, "\n")
	if len(lines) < 3 || !strings.HasSuffix(lines[0], challengeHeaderSuffix) {
		return nil, fmt.Errorf("challenge: missing header")
	}

	f := &ChallengeFields{
		Domain:  strings.TrimSuffix(lines[0], challengeHeaderSuffix),
		Address: lines[1],
	}

	rest := lines[2:]
	if len(rest) > 0 && rest[0] == "" {
		rest = rest[1:]
	}
	// Statement — одна строка перед пустой строкой, если она есть
	if len(rest) > 1 && !strings.Contains(rest[0], ": ") && rest[1] == "" {
		f.Statement = rest[0]
		rest = rest[2:]
	}

	var err error
	for _, line := range rest {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("challenge: malformed line %q", line)
		}
		switch key {
		case "URI":
			f.URI = value
		case "Version":
			if value != "1" {
				return nil, fmt.Errorf("challenge: unsupported version %q", value)
			}
		case "Chain ID":
			f.ChainID, err = strconv.ParseInt(value, 10, 64)
			if err != nil || f.ChainID <= 0 {
				return nil, fmt.Errorf("challenge: invalid chain id %q", value)
			}
		case "Nonce":
			f.Nonce = value
		case "Issued At":
			if f.IssuedAt, err = time.Parse(time.RFC3339, value); err != nil {
				return nil, fmt.Errorf("challenge: invalid issued at: %w", err)
			}
		case "Expiration Time":
			if f.ExpiresAt, err = time.Parse(time.RFC3339, value); err != nil {
				return nil, fmt.Errorf("challenge: invalid expiration: %w", err)
			}
		case "Request ID":
			f.RequestID = value
		}
	}

	if f.Address == "" || f.Nonce == "" || f.ChainID == 0 || f.RequestID == "" {
		return nil, fmt.Errorf("challenge: required field missing")
	}
	return f, nil
}

// CheckTimes проверяет окно действия challenge.
func (f *ChallengeFields) CheckTimes(now time.Time) error {
	if now.After(f.ExpiresAt) {
		return fmt.Errorf("challenge expired at %s", f.ExpiresAt.Format(time.RFC3339))
	}
	if f.IssuedAt.After(now.Add(MaxChallengeSkew)) {
		return fmt.Errorf("challenge issued in the future")
	}
	return nil
}
