// Package signing provides the key/signing capability the engine treats as
// an opaque handle. Keys are secp256k1 and addresses follow the ledger's
// 20-byte account format.
package signing

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"escrow-engine-go/internal/errs"
)

// Signer signs ledger operation digests on behalf of one account.
type Signer interface {
	// Address returns the ledger account the signer controls.
	Address() common.Address
	// Sign produces a recoverable signature over a 32-byte digest.
	Sign(digest []byte) ([]byte, error)
}

// LocalSigner holds a secp256k1 private key in process memory.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner parses a hex-encoded private key (with or without 0x
// prefix) and derives its account address.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, err, "invalid signing key")
	}
	return &LocalSigner{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the account derived from the key.
func (s *LocalSigner) Address() common.Address { return s.addr }

// Sign signs a 32-byte digest, returning the 65-byte [R || S || V] form.
func (s *LocalSigner) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

// Keyring resolves ledger addresses to their signers. It stands in for an
// external key provider: the engine never sees key material, only Signer
// handles.
type Keyring struct {
	signers map[common.Address]Signer
}

// NewKeyring builds a keyring from hex-encoded private keys.
func NewKeyring(hexKeys []string) (*Keyring, error) {
	signers := make(map[common.Address]Signer, len(hexKeys))
	for _, hk := range hexKeys {
		s, err := NewLocalSigner(hk)
		if err != nil {
			return nil, err
		}
		signers[s.Address()] = s
	}
	return &Keyring{signers: signers}, nil
}

// Signer returns the signer for an address.
func (k *Keyring) Signer(addr common.Address) (Signer, error) {
	s, ok := k.signers[addr]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no signer for address %s", addr.Hex())
	}
	return s, nil
}
