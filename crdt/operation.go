package crdt

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Structs

// PeerID identifies one session of a collaborator. It is
// assigned by the relay at handshake time and never reused
// within the lifetime of a document.
type PeerID string

// ID names an operation by its origin and the sequence number
// the origin stamped on it. The ID of an insert doubles as the
// identity of the node it creates. The zero ID is the root of
// every document.
type ID struct {
	Origin PeerID
	Seq    uint64
}

// Root is the implicit node every document starts with.
var Root = ID{}

// Kind is the type of mutation an operation performs.
type Kind string

// Supported operation kinds.
const (
	Insert Kind = "insert"
	Delete Kind = "delete"
	Update Kind = "update"
)

// Operation is an atomic, replayable mutation of a replica.
// Once created it is treated as immutable: Deps and Payload
// are copied by NewOperation and must not be altered later.
type Operation struct {
	Origin  PeerID `json:"originId"`
	Seq     uint64 `json:"seq"`
	Lamport uint64 `json:"lamportClock"`
	Kind    Kind   `json:"kind"`
	Target  ID     `json:"target"`
	Payload []byte `json:"payload,omitempty"`
	Deps    []ID   `json:"causalityDeps,omitempty"`
}

// Variables

var (
	// ErrInvalidOperation is returned for structurally broken operations.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidID is returned when parsing a malformed textual ID.
	ErrInvalidID = errors.New("invalid operation id")
)

// Functions

// IsRoot reports whether id names the document root.
func (id ID) IsRoot() bool {
	return id == Root
}

// String returns the textual form 'seq@origin'. The root
// is rendered as the empty string.
func (id ID) String() string {

	if id.IsRoot() {
		return ""
	}

	return fmt.Sprintf("%d@%s", id.Seq, id.Origin)
}

// ParseID reverses String.
func ParseID(raw string) (ID, error) {

	if raw == "" {
		return Root, nil
	}

	// Sequence numbers never contain '@', origins might.
	parts := strings.SplitN(raw, "@", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Root, errors.Wrapf(ErrInvalidID, "%q", raw)
	}

	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || seq == 0 {
		return Root, errors.Wrapf(ErrInvalidID, "%q", raw)
	}

	return ID{Origin: PeerID(parts[1]), Seq: seq}, nil
}

// MarshalText lets IDs be used as JSON strings and map keys.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (id *ID) UnmarshalText(text []byte) error {

	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// NewOperation assembles an operation and takes private
// copies of the supplied payload and dependencies. The
// dependency set is deduplicated and sorted so equal sets
// compare equal.
func NewOperation(origin PeerID, seq uint64, lamport uint64, kind Kind, target ID, payload []byte, deps []ID) Operation {

	op := Operation{
		Origin:  origin,
		Seq:     seq,
		Lamport: lamport,
		Kind:    kind,
		Target:  target,
	}

	if len(payload) > 0 {
		op.Payload = append([]byte(nil), payload...)
	}

	if len(deps) > 0 {

		seen := make(map[ID]struct{}, len(deps))
		for _, dep := range deps {

			if dep.IsRoot() {
				continue
			}

			if _, dup := seen[dep]; dup {
				continue
			}

			seen[dep] = struct{}{}
			op.Deps = append(op.Deps, dep)
		}

		sort.Slice(op.Deps, func(i, j int) bool {
			return idLess(op.Deps[i], op.Deps[j])
		})
	}

	return op
}

// ID returns the identifier of op.
func (op Operation) ID() ID {
	return ID{Origin: op.Origin, Seq: op.Seq}
}

// Validate checks the structural invariants of an operation
// received from the network before it is handed to an Engine.
func (op Operation) Validate() error {

	if op.Origin == "" {
		return errors.Wrap(ErrInvalidOperation, "missing origin")
	}

	if op.Seq == 0 {
		return errors.Wrap(ErrInvalidOperation, "sequence numbers start at 1")
	}

	if op.Lamport == 0 {
		return errors.Wrap(ErrInvalidOperation, "lamport clocks start at 1")
	}

	switch op.Kind {
	case Insert:
	case Delete, Update:
		if op.Target.IsRoot() {
			return errors.Wrapf(ErrInvalidOperation, "%s cannot target the root", op.Kind)
		}
	default:
		return errors.Wrapf(ErrInvalidOperation, "unsupported kind %q", op.Kind)
	}

	for _, dep := range op.Deps {
		if dep == op.ID() {
			return errors.Wrap(ErrInvalidOperation, "operation depends on itself")
		}
	}

	return nil
}

// Equal reports whether two operations carry identical contents.
func (op Operation) Equal(other Operation) bool {

	if op.Origin != other.Origin || op.Seq != other.Seq ||
		op.Lamport != other.Lamport || op.Kind != other.Kind ||
		op.Target != other.Target || !bytes.Equal(op.Payload, other.Payload) ||
		len(op.Deps) != len(other.Deps) {
		return false
	}

	for i := range op.Deps {
		if op.Deps[i] != other.Deps[i] {
			return false
		}
	}

	return true
}

// requires lists every operation op cannot be applied without:
// its explicit dependencies plus the node it targets.
func (op Operation) requires() []ID {

	reqs := make([]ID, 0, len(op.Deps)+1)
	if !op.Target.IsRoot() {
		reqs = append(reqs, op.Target)
	}

	return append(reqs, op.Deps...)
}

// Precedes reports whether a stamp (lamportA, originA) has
// priority over (lamportB, originB): higher clocks win, ties
// go to the lexically smaller origin.
func Precedes(lamportA uint64, originA PeerID, lamportB uint64, originB PeerID) bool {

	if lamportA != lamportB {
		return lamportA > lamportB
	}

	return originA < originB
}

func idLess(a, b ID) bool {

	if a.Origin != b.Origin {
		return a.Origin < b.Origin
	}

	return a.Seq < b.Seq
}
