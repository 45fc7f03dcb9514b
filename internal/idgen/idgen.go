// Package idgen generates ledger entry, faucet and request ids.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

var now = time.Now

// WithPrefix returns prefix followed by 24 hex chars: a 48-bit millisecond
// timestamp then 48 random bits, so ids with the same prefix sort by
// creation time to the millisecond. Example: "ent_0192f4c1a2b3e8d1f0a9c4b7".
func WithPrefix(prefix string) string {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], uint64(now().UnixMilli())<<16)
	if _, err := rand.Read(b[6:]); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b[:])
}
