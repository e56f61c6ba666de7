// Package graph provides the object-graph data model for Objex.
//
// It defines the node, edge, and type records that represent captured
// heap objects and the labeled references between them, along with the
// closed classification set shared by the capture walker, the snapshot
// store, and the query engine.
package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// Classification represents the kind of a captured object.
type Classification string

const (
	ClassModule       Classification = "module"
	ClassFrame        Classification = "frame"
	ClassFunction     Classification = "function"
	ClassCode         Classification = "code"
	ClassType         Classification = "type"
	ClassDict         Classification = "dict"
	ClassList         Classification = "list"
	ClassTuple        Classification = "tuple"
	ClassSet          Classification = "set"
	ClassString       Classification = "string"
	ClassBytes        Classification = "bytes"
	ClassInt          Classification = "int"
	ClassFloat        Classification = "float"
	ClassOtherBuiltin Classification = "other-builtin"
	ClassUserInstance Classification = "user-instance"
)

// Classifications lists every classification in stable order. The builtin
// type seed set and per-classification summaries iterate this slice so that
// output order never depends on map iteration.
var Classifications = []Classification{
	ClassModule,
	ClassFrame,
	ClassFunction,
	ClassCode,
	ClassType,
	ClassDict,
	ClassList,
	ClassTuple,
	ClassSet,
	ClassString,
	ClassBytes,
	ClassInt,
	ClassFloat,
	ClassOtherBuiltin,
	ClassUserInstance,
}

// IsRoot reports whether nodes of this classification belong to the root
// set used by retention queries.
func (c Classification) IsRoot() bool {
	return c == ClassModule || c == ClassFrame
}

// Valid reports whether c is a member of the closed classification set.
func (c Classification) Valid() bool {
	for _, k := range Classifications {
		if c == k {
			return true
		}
	}
	return false
}

// Node flags recorded during capture.
const (
	// FlagExtractionFailed marks a node whose shape adapter raised; the
	// node is recorded with no outbound edges and classification
	// other-builtin.
	FlagExtractionFailed uint32 = 1 << 0
)

// NodeRecord is a captured object. ID is the object's address at capture
// time, unique within one snapshot and opaque outside it.
type NodeRecord struct {
	// ID is the stable 64-bit identity (capture-time address).
	ID uint64

	// TypeID references a TypeRecord.
	TypeID uint32

	// Size is the object's byte size as observed during capture.
	Size int64

	// RefCount is informational; untracked holders mean it is not an
	// invariant of edge counts.
	RefCount int64

	// Len is the element count for sized containers; HasLen guards it.
	Len    int64
	HasLen bool

	// Preview is a truncated textual representation for string-like and
	// named objects; empty when not captured.
	Preview string

	// Flags carries capture-time markers such as FlagExtractionFailed.
	Flags uint32
}

// TypeRecord is a named kind. Types are nodes too: TypeNodeID references
// the node that represents the type object itself.
type TypeRecord struct {
	ID             uint32
	NameStrID      uint32
	TypeNodeID     uint64
	Classification Classification
}

// EdgeRecord is a directed outbound reference. The label is stored as an
// interned string reference; see the label constructors below for the
// label grammar.
type EdgeRecord struct {
	SrcID      uint64
	LabelStrID uint32
	DstID      uint64
}

// StringRecord is one entry of the append-only interned string table.
// String references are 32-bit indices; 0 is reserved and never assigned.
type StringRecord struct {
	ID    uint32
	Value string
}

// Edge label grammar. Labels describe the reference's role in the source
// object's shape: attribute access, mapping key, sequence position, set
// membership, slot, or a runtime-internal token.
const (
	// KeySentinel labels the synthetic edge from a mapping to a key that
	// is itself a tracked object.
	KeySentinel = "<key>"

	// MemberLabel labels set elements, which have no positional role.
	MemberLabel = "<member>"

	// MaxKeyLiteral is the longest mapping-key representation stored as a
	// literal label; longer keys fall back to a key-node reference.
	MaxKeyLiteral = 64
)

// AttrLabel returns the label for an attribute or slot reference: the
// bare attribute name. Runtime-internal tokens (f_back, __dict__, …) use
// the same form.
func AttrLabel(name string) string {
	return name
}

// IndexLabel returns the label for a sequence position.
func IndexLabel(i int) string {
	return "[" + strconv.Itoa(i) + "]"
}

// LocalLabel returns the label for a frame-local binding.
func LocalLabel(name string) string {
	return "locals['" + name + "']"
}

// KeyRefLabel returns the label form that references a mapping key by its
// node id, used when the key's representation is too long to store
// literally.
func KeyRefLabel(id uint64) string {
	return "@" + strconv.FormatUint(id, 10)
}

// ParseKeyRefLabel reports whether label is a key-node reference and, if
// so, the referenced node id.
func ParseKeyRefLabel(label string) (uint64, bool) {
	if !strings.HasPrefix(label, "@") {
		return 0, false
	}
	id, err := strconv.ParseUint(label[1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// NodeSummary is the shape returned to shells and external callers: enough
// to render a node without further lookups.
type NodeSummary struct {
	ID             uint64
	Classification Classification
	TypeName       string
	Size           int64
	RefCount       int64
	Len            int64
	HasLen         bool
	Preview        string
	Flags          uint32
}

// String renders the summary in the <typename#id> form consumed by shells.
func (s NodeSummary) String() string {
	return fmt.Sprintf("<%s#%d>", s.TypeName, s.ID)
}

// OutEdge is one outbound reference with its label resolved.
type OutEdge struct {
	Label string
	DstID uint64
}

// InEdge is one inbound reference from the derived reverse index.
type InEdge struct {
	SrcID uint64
	Label string
}

// ClassStat is a per-classification summary row.
type ClassStat struct {
	Classification Classification
	Count          int64
	Bytes          int64
}

// Stats summarizes a snapshot. ByClass is sorted by the Classifications
// order so repeated analysis runs produce identical output.
type Stats struct {
	Objects    int64
	References int64
	Types      int64
	Strings    int64
	Bytes      int64
	Roots      int64
	ByClass    []ClassStat
}
