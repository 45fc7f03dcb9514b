package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Request headers carrying a signed instruction.
const (
	HeaderAddress   = "X-Escrow-Address"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderSignature = "X-Escrow-Signature"
)

// RequestMessage builds the message a caller signs for one HTTP request.
// Format: "P2PEscrow|{METHOD}|{path}|{keccak256(body)}|{unix seconds}"
func RequestMessage(method, path string, body []byte, timestamp int64) string {
	return fmt.Sprintf("P2PEscrow|%s|%s|%s|%d",
		strings.ToUpper(method),
		path,
		hex.EncodeToString(crypto.Keccak256(body)),
		timestamp,
	)
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// Sign signs message with key and returns the 0x-prefixed 65-byte signature
// with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress recovers the signer's address from a message and signature
// signature should be hex-encoded, 65 bytes (r[32] + s[32] + v[1])
func RecoverAddress(message string, signatureHex string) (string, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Ethereum signatures have v = 27 or 28, but Ecrecover expects 0 or 1
	if signature[64] >= 27 {
		signature[64] -= 27
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

// SignedHeaders are the header values for a signed request.
type SignedHeaders struct {
	Address   string
	Timestamp string
	Signature string
}

// SignRequest signs an HTTP request for the key's address.
func SignRequest(key *ecdsa.PrivateKey, method, path string, body []byte, at time.Time) (SignedHeaders, error) {
	ts := at.Unix()
	sig, err := Sign(key, RequestMessage(method, path, body, ts))
	if err != nil {
		return SignedHeaders{}, err
	}
	return SignedHeaders{
		Address:   strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		Timestamp: strconv.FormatInt(ts, 10),
		Signature: sig,
	}, nil
}

// ParsePrivateKey decodes a hex private key, with or without 0x prefix.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// AddressOf returns the lower-case address of key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}
