// Package tradeid derives the external escrow identifier for a trade.
//
// The ledger contract treats the 32-byte id as the sole existence key for an
// escrow, so the derivation must be collision-resistant across every trade
// ever created. Determinism matters just as much: a retry recomputes the same
// key instead of minting a new one.
package tradeid

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ExternalID derives the 32-byte escrow key from the local trade id, the two
// ledger addresses, and the creation time. Pure function of its inputs.
func ExternalID(tradeID string, buyer, seller common.Address, createdAt time.Time) common.Hash {
	// Length-prefix the variable-size trade id so field boundaries are
	// unambiguous in the canonical encoding.
	buf := make([]byte, 0, 2+len(tradeID)+2*common.AddressLength+8)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(tradeID)))
	buf = append(buf, tradeID...)
	buf = append(buf, buyer.Bytes()...)
	buf = append(buf, seller.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(createdAt.UnixNano()))

	return common.BytesToHash(crypto.Keccak256(buf))
}
