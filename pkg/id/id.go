// Package id defines the fixed-width opaque identifiers used throughout
// driftcore. Equality and ordering are bytewise; every id kind is a
// distinct Go type so callers cannot accidentally mix a TaskID where a
// JobID is expected.
package id

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const (
	// JobIDLen is the byte width of a JobID.
	JobIDLen = 4
	// TaskIDLen is the byte width of a TaskID.
	TaskIDLen = 24
	// ObjectIDLen is the byte width of an ObjectID: a TaskID plus a 4 byte
	// big-endian return index.
	ObjectIDLen = TaskIDLen + 4
	// ActorIDLen is the byte width of an ActorID.
	ActorIDLen = 16
	// PlacementGroupIDLen is the byte width of a PlacementGroupID.
	PlacementGroupIDLen = 16
	// NodeIDLen is the byte width of a NodeID.
	NodeIDLen = 28
	// WorkerIDLen is the byte width of a WorkerID.
	WorkerIDLen = 28
	// ChannelIDLen is the byte width of a ChannelID.
	ChannelIDLen = 16
)

// JobID identifies a driver's job.
type JobID [JobIDLen]byte

// TaskID identifies a single task or actor-creation invocation.
type TaskID [TaskIDLen]byte

// ObjectID identifies an object in the distributed store. It encodes its
// owning task id so the owner can be located without a directory lookup.
type ObjectID [ObjectIDLen]byte

// ActorID identifies an actor across its lifetime, including restarts.
type ActorID [ActorIDLen]byte

// PlacementGroupID identifies a placement group.
type PlacementGroupID [PlacementGroupIDLen]byte

// NodeID identifies a cluster node (raylet/node-manager process).
type NodeID [NodeIDLen]byte

// WorkerID identifies a single worker process.
type WorkerID [WorkerIDLen]byte

// ChannelID identifies a streaming channel between a producer actor and
// a consumer actor.
type ChannelID [ChannelIDLen]byte

// BundleID identifies a bundle within a placement group by its group id
// and its index within that group's bundle list.
type BundleID struct {
	PlacementGroup PlacementGroupID
	Index          int
}

func newRandom(n int) []byte {
	u := uuid.New()
	out := make([]byte, n)
	copy(out, u[:])
	for i := 16; i < n; i++ {
		// Extend uuid randomness for ids wider than 16 bytes by folding in
		// a second uuid's bytes rather than repeating zeros.
		if i%16 == 0 {
			u = uuid.New()
		}
		out[i] = u[i%16]
	}
	return out
}

// NewJobID generates a random job id.
func NewJobID() JobID {
	var out JobID
	copy(out[:], newRandom(JobIDLen))
	return out
}

// NewTaskID generates a random task id.
func NewTaskID() TaskID {
	var out TaskID
	copy(out[:], newRandom(TaskIDLen))
	return out
}

// NewActorID generates a random actor id.
func NewActorID() ActorID {
	var out ActorID
	copy(out[:], newRandom(ActorIDLen))
	return out
}

// NewPlacementGroupID generates a random placement group id.
func NewPlacementGroupID() PlacementGroupID {
	var out PlacementGroupID
	copy(out[:], newRandom(PlacementGroupIDLen))
	return out
}

// NewNodeID generates a random node id.
func NewNodeID() NodeID {
	var out NodeID
	copy(out[:], newRandom(NodeIDLen))
	return out
}

// NewWorkerID generates a random worker id.
func NewWorkerID() WorkerID {
	var out WorkerID
	copy(out[:], newRandom(WorkerIDLen))
	return out
}

// NewChannelID generates a random channel id.
func NewChannelID() ChannelID {
	var out ChannelID
	copy(out[:], newRandom(ChannelIDLen))
	return out
}

// ParseActorID decodes a hex string previously produced by
// ActorID.String.
func ParseActorID(s string) (ActorID, error) {
	var out ActorID
	if err := decodeFixed(s, out[:]); err != nil {
		return ActorID{}, err
	}
	return out, nil
}

// ParsePlacementGroupID decodes a hex string previously produced by
// PlacementGroupID.String.
func ParsePlacementGroupID(s string) (PlacementGroupID, error) {
	var out PlacementGroupID
	if err := decodeFixed(s, out[:]); err != nil {
		return PlacementGroupID{}, err
	}
	return out, nil
}

// ParseObjectID decodes a hex string previously produced by
// ObjectID.String.
func ParseObjectID(s string) (ObjectID, error) {
	var out ObjectID
	if err := decodeFixed(s, out[:]); err != nil {
		return ObjectID{}, err
	}
	return out, nil
}

func decodeFixed(s string, out []byte) error {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("id: invalid hex %q: %w", s, err)
	}
	if len(decoded) != len(out) {
		return fmt.Errorf("id: %q decodes to %d bytes, want %d", s, len(decoded), len(out))
	}
	copy(out, decoded)
	return nil
}

// ObjectIDFromIndex derives the object id at the given return index of
// the given task. internal/worker stores return value i at index i+1 and
// an application-error object at index 0. Return index math.MaxUint32 is
// reserved for the actor task "dummy" signal object (see SPEC_FULL.md).
func ObjectIDFromIndex(task TaskID, index uint32) ObjectID {
	var out ObjectID
	copy(out[:TaskIDLen], task[:])
	binary.BigEndian.PutUint32(out[TaskIDLen:], index)
	return out
}

// OwnerTaskID returns the task id embedded in the object id, letting the
// owner be located without a directory lookup.
func (o ObjectID) OwnerTaskID() TaskID {
	var t TaskID
	copy(t[:], o[:TaskIDLen])
	return t
}

// ReturnIndex returns the return-value index embedded in the object id.
func (o ObjectID) ReturnIndex() uint32 {
	return binary.BigEndian.Uint32(o[TaskIDLen:])
}

// DummyReturnIndex is the reserved index for an actor task/creation's
// signal-only dummy return object (spec.md §4.6 step 4).
const DummyReturnIndex = ^uint32(0)

func (j JobID) String() string    { return hex.EncodeToString(j[:]) }
func (t TaskID) String() string   { return hex.EncodeToString(t[:]) }
func (o ObjectID) String() string { return hex.EncodeToString(o[:]) }
func (a ActorID) String() string  { return hex.EncodeToString(a[:]) }
func (p PlacementGroupID) String() string {
	return hex.EncodeToString(p[:])
}
func (n NodeID) String() string    { return hex.EncodeToString(n[:]) }
func (w WorkerID) String() string  { return hex.EncodeToString(w[:]) }
func (c ChannelID) String() string { return hex.EncodeToString(c[:]) }
func (b BundleID) String() string {
	return fmt.Sprintf("%s[%d]", b.PlacementGroup, b.Index)
}

// IsNil reports whether the id is the zero value.
func (n NodeID) IsNil() bool {
	var zero NodeID
	return n == zero
}

// IsNil reports whether the id is the zero value.
func (w WorkerID) IsNil() bool {
	var zero WorkerID
	return w == zero
}

// IsNil reports whether the id is the zero value.
func (a ActorID) IsNil() bool {
	var zero ActorID
	return a == zero
}

// IsNil reports whether the id is the zero value.
func (c ChannelID) IsNil() bool {
	var zero ChannelID
	return c == zero
}
