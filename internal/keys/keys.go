// Package keys provides the secp256k1 signing identity a validator uses
// to sign votes, QCs and blocks.
package keys

import (
	"encoding/hex"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Identity is a validator's signing keypair.
type Identity struct {
	priv *secp256k1.PrivateKey
}

// Generate creates a fresh random identity.
func Generate() (*Identity, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv}, nil
}

// LoadOrGenerate reads a hex-encoded private key from path, or generates
// and persists a new one if the file does not exist.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, decErr := hex.DecodeString(string(data))
		if decErr != nil {
			return nil, decErr
		}
		priv := secp256k1.PrivKeyFromBytes(raw)
		return &Identity{priv: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, genErr := Generate()
	if genErr != nil {
		return nil, genErr
	}
	if writeErr := os.WriteFile(path, []byte(hex.EncodeToString(id.priv.Serialize())), 0o600); writeErr != nil {
		return nil, writeErr
	}
	return id, nil
}

// PublicKey returns the compressed secp256k1 public key.
func (id *Identity) PublicKey() []byte {
	return id.priv.PubKey().SerializeCompressed()
}

// Sign produces a DER-encoded ECDSA signature over digest.
func (id *Identity) Sign(digest []byte) ([]byte, error) {
	sig := ecdsa.Sign(id.priv, digest)
	return sig.Serialize(), nil
}
