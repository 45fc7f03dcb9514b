// Package derive computes the deterministic account addresses used by the
// escrow program.
//
// Every address is a CREATE2-style hash of the program identity, a
// domain-separated salt and a fixed code hash, so any client can reproduce
// it offline:
//
//	escrow  = create2(program, keccak("p2pescrow:escrow"  ‖ tradeID ‖ seller))
//	vault   = create2(program, keccak("p2pescrow:vault"   ‖ escrow))
//	holding = create2(program, keccak("p2pescrow:holding" ‖ owner ‖ mint))
package derive

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TradeIDLength is the byte length of a trade identifier.
const TradeIDLength = 16

var ErrInvalidTradeID = errors.New("trade id must be 16 bytes of hex")

// Domain separation tags. Changing any of these changes every address.
const (
	tagEscrow  = "p2pescrow:escrow"
	tagVault   = "p2pescrow:vault"
	tagHolding = "p2pescrow:holding"
)

var (
	escrowCodeHash  = crypto.Keccak256([]byte("p2pescrow/record/v1"))
	vaultCodeHash   = crypto.Keccak256([]byte("p2pescrow/vault/v1"))
	holdingCodeHash = crypto.Keccak256([]byte("p2pescrow/holding/v1"))
)

// TradeID is the opaque client-chosen identifier of a trade.
type TradeID [TradeIDLength]byte

// NewTradeID returns a random trade identifier.
func NewTradeID() TradeID {
	var id TradeID
	if _, err := rand.Read(id[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return id
}

// ParseTradeID decodes a hex trade id, with or without 0x prefix.
func ParseTradeID(s string) (TradeID, error) {
	var id TradeID
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(b) != TradeIDLength {
		return id, ErrInvalidTradeID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the 0x-prefixed hex form.
func (t TradeID) String() string {
	return "0x" + hex.EncodeToString(t[:])
}

// IsZero reports whether every byte is zero.
func (t TradeID) IsZero() bool {
	return t == TradeID{}
}

// MarshalText implements encoding.TextMarshaler.
func (t TradeID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TradeID) UnmarshalText(b []byte) error {
	id, err := ParseTradeID(string(b))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// EscrowAddress derives the record address for (tradeID, seller).
func EscrowAddress(program common.Address, tradeID TradeID, seller common.Address) common.Address {
	return create2(program, escrowCodeHash, []byte(tagEscrow), tradeID[:], seller.Bytes())
}

// VaultAddress derives the custody account paired with an escrow record.
func VaultAddress(program, escrow common.Address) common.Address {
	return create2(program, vaultCodeHash, []byte(tagVault), escrow.Bytes())
}

// HoldingAddress derives the holding account of owner for mint.
func HoldingAddress(program, owner, mint common.Address) common.Address {
	return create2(program, holdingCodeHash, []byte(tagHolding), owner.Bytes(), mint.Bytes())
}

// Pair is the record/vault address pair of one trade.
type Pair struct {
	Escrow common.Address `json:"escrow"`
	Vault  common.Address `json:"vault"`
}

// Trade derives both addresses of a trade in one call.
func Trade(program common.Address, tradeID TradeID, seller common.Address) Pair {
	esc := EscrowAddress(program, tradeID, seller)
	return Pair{Escrow: esc, Vault: VaultAddress(program, esc)}
}

func create2(program common.Address, codeHash []byte, parts ...[]byte) common.Address {
	var salt [32]byte
	copy(salt[:], crypto.Keccak256(parts...))
	return crypto.CreateAddress2(program, salt, codeHash)
}

// Hex renders an address in the lower-case form used as a storage key.
func Hex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
