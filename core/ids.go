package core

// ids.go – fixed-size identifiers shared across every consensus component.
//
// All identifiers are 256-bit blake3 digests. The hash is collision
// resistant and fast enough to compute on every block/vote without a
// dedicated worker, unlike the sha3 family used by some of the chains in
// this line of work.

import (
	"encoding/hex"
	"encoding/json"
	"errors"

	"lukechampine.com/blake3"
)

// IdSize is the width, in bytes, of every identifier in this package.
const IdSize = 32

// Hash256 is a 256-bit blake3 digest. It underlies TransactionId, BlockId,
// QcId and SubstateAddress.
type Hash256 [IdSize]byte

// ZeroHash is the all-zero identifier used as the parent of the genesis
// block and as the sentinel "no QC yet" value.
var ZeroHash Hash256

// NewHash256 hashes the concatenation of parts with blake3-256.
func NewHash256(parts ...[]byte) Hash256 {
	h := blake3.New(IdSize, nil)
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out Hash256
	copy(out[:], h.Sum(nil))
	return out
}

func (h Hash256) IsZero() bool { return h == ZeroHash }

func (h Hash256) Bytes() []byte { return h[:] }

func (h Hash256) String() string { return hex.EncodeToString(h[:]) }

func (h Hash256) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash256) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != IdSize {
		return errors.New("core: hash must be 32 bytes")
	}
	copy(h[:], raw)
	return nil
}

func HashFromHex(s string) (Hash256, error) {
	var h Hash256
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(raw) != IdSize {
		return h, errors.New("core: hash must be 32 bytes")
	}
	copy(h[:], raw)
	return h, nil
}

// TransactionId, BlockId, QcId and SubstateAddress are semantically
// distinct identifier spaces that happen to share a representation; they
// are kept as named types so the compiler catches cross-assignment bugs
// (a BlockId can never silently stand in for a TransactionId).
type (
	TransactionId   Hash256
	BlockId         Hash256
	QcId            Hash256
	SubstateAddress Hash256
)

func (id TransactionId) String() string   { return Hash256(id).String() }
func (id BlockId) String() string         { return Hash256(id).String() }
func (id QcId) String() string            { return Hash256(id).String() }
func (a SubstateAddress) String() string  { return Hash256(a).String() }
func (id TransactionId) IsZero() bool     { return Hash256(id).IsZero() }
func (id BlockId) IsZero() bool           { return Hash256(id).IsZero() }
func (id QcId) IsZero() bool              { return Hash256(id).IsZero() }
func (a SubstateAddress) IsZero() bool    { return Hash256(a).IsZero() }
func (id TransactionId) Bytes() []byte    { return id[:] }
func (id BlockId) Bytes() []byte          { return id[:] }
func (id QcId) Bytes() []byte             { return id[:] }
func (a SubstateAddress) Bytes() []byte   { return a[:] }

var ZeroBlockId BlockId

// Shard identifies a horizontal partition of the substate address space.
type Shard uint32

// ShardGroup is a contiguous, half-open range of shards jointly replicated
// by one committee: [Start, End).
type ShardGroup struct {
	Start Shard `json:"start"`
	End   Shard `json:"end"`
}

// Contains reports whether s falls inside the group.
func (g ShardGroup) Contains(s Shard) bool { return s >= g.Start && s < g.End }

// Equal reports whether two shard groups cover the same range.
func (g ShardGroup) Equal(o ShardGroup) bool { return g.Start == o.Start && g.End == o.End }

func (g ShardGroup) String() string {
	return "[" + itoa(uint64(g.Start)) + "," + itoa(uint64(g.End)) + ")"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Epoch and NodeHeight are monotonically increasing 64-bit counters.
type Epoch uint64
type NodeHeight uint64
