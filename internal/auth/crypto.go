package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's address from a message and signature
// signature should be hex-encoded, 65 bytes (r[32] + s[32] + v[1])
func RecoverAddress(message string, signatureHex string) (string, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	// Wallets emit v = 27 or 28; Ecrecover expects 0 or 1.
	if signature[crypto.RecoveryIDOffset] >= 27 {
		signature[crypto.RecoveryIDOffset] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(message), signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// VerifyEVM checks a personal_sign signature against wallet.
func VerifyEVM(message, signatureHex, wallet string) error {
	recovered, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, wallet) {
		return fmt.Errorf("signed by %s", recovered)
	}
	return nil
}

// VerifySolana checks an ed25519 signature by the base58 public key
// wallet. Wallet adapters hand back the signature as base58 or hex.
func VerifySolana(message, signature, wallet string) error {
	pub := base58.Decode(wallet)
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("wallet is not an ed25519 public key")
	}
	sig, err := decodeSolanaSignature(signature)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig) {
		return fmt.Errorf("ed25519 verification failed")
	}
	return nil
}

func decodeSolanaSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) == 2*ed25519.SignatureSize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	if b := base58.Decode(s); len(b) == ed25519.SignatureSize {
		return b, nil
	}
	return nil, fmt.Errorf("signature must be %d bytes in base58 or hex", ed25519.SignatureSize)
}
