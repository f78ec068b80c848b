package core

// substate.go – versioned global-state units (§3). A Substate is identified
// by a SubstateId; its address at a given version is H(id, version). Once a
// version is Down it is immutable.

import "encoding/binary"

// SubstateId names a piece of global state independent of version (e.g. a
// component address, a vault id). Versioning is tracked separately so two
// transactions can agree on "the same substate, different version".
type SubstateId Hash256

func (id SubstateId) String() string { return Hash256(id).String() }
func (id SubstateId) Bytes() []byte  { return id[:] }

// SubstateStatus is Up (current) or Down (spent, immutable).
type SubstateStatus uint8

const (
	SubstateUp SubstateStatus = iota
	SubstateDown
)

func (s SubstateStatus) String() string {
	if s == SubstateUp {
		return "Up"
	}
	return "Down"
}

// AddressOf computes SubstateAddress = H(substate_id, version) per §3.
func AddressOf(id SubstateId, version uint32) SubstateAddress {
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], version)
	return SubstateAddress(NewHash256(id[:], vb[:]))
}

// Substate is one versioned record of global state.
type Substate struct {
	Id      SubstateId     `json:"id"`
	Version uint32         `json:"version"`
	Status  SubstateStatus `json:"status"`
	Data    []byte         `json:"data"`
	// CreatedBy is the transaction whose output produced this version.
	CreatedBy TransactionId `json:"created_by"`
	// DestroyedBy is set once Status transitions to Down.
	DestroyedBy *TransactionId `json:"destroyed_by,omitempty"`
}

func (s Substate) Address() SubstateAddress { return AddressOf(s.Id, s.Version) }

// LockFlag is the kind of lock a transaction holds on a substate address
// (§4.2).
type LockFlag uint8

const (
	LockRead LockFlag = iota
	LockWrite
	LockOutput
)

func (f LockFlag) String() string {
	switch f {
	case LockRead:
		return "Read"
	case LockWrite:
		return "Write"
	case LockOutput:
		return "Output"
	default:
		return "Unknown"
	}
}

// SubstateLock is one granted lock, owned by the proposing block per §3
// ("Lifecycle & ownership"): release is bound to the block's eventual
// commit or abandonment.
type SubstateLock struct {
	Address       SubstateAddress `json:"address"`
	SubstateId    SubstateId      `json:"substate_id"`
	Transaction   TransactionId   `json:"transaction"`
	Block         BlockId         `json:"block"`
	Flag          LockFlag        `json:"flag"`
}

// LockConflict records that a transaction's lock request in a block
// collided with a lock already held by another transaction, whether
// granted earlier in the same block or by an earlier block (§4.2, rule 4).
// The record is only stored; nothing in this package re-submits the later
// transaction when the blocking one resolves.
type LockConflict struct {
	Block          BlockId       `json:"block"`
	LaterTx        TransactionId `json:"later_tx"`
	DependsOnTx    TransactionId `json:"depends_on_tx"`
	RequestedLock  LockFlag      `json:"requested_lock"`
	Address        SubstateAddress `json:"address"`
}

// SubstateChange is the atomic effect of a committed transaction on the
// substate set, used by Store.SaveDiff (§4.1).
type SubstateChange struct {
	Up   []Substate        `json:"up"`
	Down []SubstateAddress `json:"down"`
}
