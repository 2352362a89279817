package auth

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxChallengeSkew — насколько issued-at может быть в будущем (рассинхрон часов).
const MaxChallengeSkew = time.Minute

// RecoverPersonalSign возвращает адрес, подписавший message через personal_sign.
//
// Алгоритм (EIP-191, version 0x45):
// 1. hash = keccak256("\x19Ethereum Signed Message:\n" ++ len(message) ++ message)
// 2. signature = r(32) ++ s(32) ++ v(1), v ∈ {0,1,27,28}
// 3. pubkey = ecrecover(hash, signature)
func RecoverPersonalSign(message, signatureHex string) (common.Address, error) {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature size: %d", len(sig))
	}

	// Кошельки отдают v = 27/28, crypto ожидает 0/1
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("invalid signature recovery id")
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyPersonalSign проверяет, что message подписан адресом expected.
func VerifyPersonalSign(message, signatureHex string, expected common.Address) error {
	signer, err := RecoverPersonalSign(message, signatureHex)
	if err != nil {
		return err
	}
	if signer != expected {
		return fmt.Errorf("signature is from %s, expected %s", signer.Hex(), expected.Hex())
	}
	return nil
}
