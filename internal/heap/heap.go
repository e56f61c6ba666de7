// Package heap defines the runtime facade the capture walker traverses.
//
// The walker never touches a concrete runtime directly: it sees Objects,
// each carrying identity, classification, and the shape accessors for its
// classification's adapter. A Runtime supplies the seed sets (modules,
// frames, builtin type objects). Two implementations live here: Synthetic,
// a programmatic heap builder used by tests and embedders that assemble
// graphs by hand, and ReflectHeap, a facade over live Go values.
package heap

import (
	"github.com/Benny93/objex-go/internal/graph"
)

// Object is one captured heap object. Shape accessors are consulted only
// by the adapter matching the object's classification; an accessor may
// return an error, which the walker records on the node without aborting
// the capture.
type Object interface {
	// Addr is the object's capture-time address, the node identity.
	Addr() uint64

	// Class is the object's classification.
	Class() graph.Classification

	// TypeObj returns the object representing this object's type. It is
	// never nil and always has classification type; the type of "type"
	// is itself.
	TypeObj() Object

	// TypeName is the fully-qualified name of this object's type.
	TypeName() string

	// Name is the qualified name of named objects (modules, frames,
	// functions, code, types); empty for everything else.
	Name() string

	// Size is the object's byte size.
	Size() int64

	// RefCount is the observed reference count, informational only.
	RefCount() int64

	// Len returns the element count for sized containers.
	Len() (int64, bool)

	// Preview returns a textual representation truncated to max bytes.
	Preview(max int) (string, bool)

	// Shape accessors, dispatched on Class.

	DictEntries() ([]DictEntry, error)
	SeqItems() ([]Object, error)
	SetItems() ([]Object, error)
	Attrs() ([]Attr, error)
	FrameInfo() (*FrameInfo, error)

	// Referents is the generic fallback enumeration for opaque objects.
	Referents() ([]Referent, error)
}

// DictEntry is one mapping entry. Key is nil when the key is an untracked
// primitive; KeyRepr is always populated.
type DictEntry struct {
	KeyRepr string
	Key     Object
	Value   Object
}

// Attr is a named attribute or slot reference.
type Attr struct {
	Name  string
	Value Object
}

// Referent is an opaque runtime-internal reference.
type Referent struct {
	Token string
	Value Object
}

// FrameInfo is the shape of a stack frame: its local bindings in
// declaration order, the globals mapping, the calling frame, and the code
// object. Globals, Back, and Code may be nil.
type FrameInfo struct {
	Locals  []Attr
	Globals Object
	Back    Object
	Code    Object
}

// Runtime supplies the traversal seed sets.
//
// Ordering is part of the contract: Modules sorted by name, Frames
// topmost first, BuiltinTypes in BuiltinSeedOrder.
type Runtime interface {
	Modules() []Object
	Frames() []Object
	BuiltinTypes() []Object
}

// BuiltinSeedOrder is the order in which runtimes report their builtin
// type objects: the "type" type first, then every other non-user
// classification in graph.Classifications order. The walker zips
// BuiltinTypes() against this slice to find the other-builtin type object,
// which types nodes whose shape adapter failed.
var BuiltinSeedOrder = func() []graph.Classification {
	out := []graph.Classification{graph.ClassType}
	for _, c := range graph.Classifications {
		if c == graph.ClassType || c == graph.ClassUserInstance {
			continue
		}
		out = append(out, c)
	}
	return out
}()
