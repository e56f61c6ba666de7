package heap

import (
	"sort"

	"github.com/Benny93/objex-go/internal/graph"
)

// builtinTypeNames maps each classification to the canonical name of its
// builtin type object. User-instance types are created per class and have
// no single builtin entry.
var builtinTypeNames = map[graph.Classification]string{
	graph.ClassModule:       "module",
	graph.ClassFrame:        "frame",
	graph.ClassFunction:     "function",
	graph.ClassCode:         "code",
	graph.ClassType:         "type",
	graph.ClassDict:         "dict",
	graph.ClassList:         "list",
	graph.ClassTuple:        "tuple",
	graph.ClassSet:          "set",
	graph.ClassString:       "str",
	graph.ClassBytes:        "bytes",
	graph.ClassInt:          "int",
	graph.ClassFloat:        "float",
	graph.ClassOtherBuiltin: "object",
}

// Synthetic is a programmatic heap: tests and embedders assemble objects
// and references by hand, then hand the heap to the walker as a Runtime.
//
// Addresses are assigned sequentially from 1, so snapshots of the same
// construction sequence are identical.
type Synthetic struct {
	nextAddr uint64
	builtins []*SynthObject
	byClass  map[graph.Classification]*SynthObject
	types    map[string]*SynthObject
	modules  []*SynthObject
	frames   []*SynthObject
}

// NewSynthetic creates an empty synthetic heap with the builtin type
// objects pre-allocated in classification order.
func NewSynthetic() *Synthetic {
	h := &Synthetic{
		byClass: make(map[graph.Classification]*SynthObject),
		types:   make(map[string]*SynthObject),
	}

	// The "type" type object is self-referential and must exist before
	// any other type can point at it.
	typeType := h.alloc(graph.ClassType, "type")
	typeType.typ = typeType
	h.byClass[graph.ClassType] = typeType
	h.types["type"] = typeType
	h.builtins = append(h.builtins, typeType)

	for _, c := range graph.Classifications {
		if c == graph.ClassType || c == graph.ClassUserInstance {
			continue
		}
		name := builtinTypeNames[c]
		obj := h.alloc(graph.ClassType, name)
		obj.typ = typeType
		obj.instClass = c
		h.byClass[c] = obj
		h.types[name] = obj
		h.builtins = append(h.builtins, obj)
	}

	return h
}

func (h *Synthetic) alloc(class graph.Classification, name string) *SynthObject {
	h.nextAddr++
	return &SynthObject{
		heap:  h,
		addr:  h.nextAddr,
		class: class,
		name:  name,
		size:  32,
	}
}

// Class returns (creating on demand) the type object for a user class
// with the given fully-qualified name.
func (h *Synthetic) Class(name string) *SynthObject {
	if t, ok := h.types[name]; ok {
		return t
	}
	t := h.alloc(graph.ClassType, name)
	t.typ = h.byClass[graph.ClassType]
	t.instClass = graph.ClassUserInstance
	h.types[name] = t
	return t
}

// New creates an object of the given classification, typed by the builtin
// type object for that classification.
func (h *Synthetic) New(class graph.Classification) *SynthObject {
	obj := h.alloc(class, "")
	obj.typ = h.byClass[class]
	return obj
}

// Module creates a module root with the given name.
func (h *Synthetic) Module(name string) *SynthObject {
	obj := h.alloc(graph.ClassModule, name)
	obj.typ = h.byClass[graph.ClassModule]
	h.modules = append(h.modules, obj)
	return obj
}

// PushFrame creates a frame root. Frames are reported topmost first, so
// the most recently pushed frame is the top of the stack; its Back
// pointer is wired to the previously pushed frame.
func (h *Synthetic) PushFrame(name string) *SynthObject {
	obj := h.alloc(graph.ClassFrame, name)
	obj.typ = h.byClass[graph.ClassFrame]
	obj.frame = &synthFrame{}
	if len(h.frames) > 0 {
		obj.frame.back = h.frames[len(h.frames)-1]
	}
	h.frames = append(h.frames, obj)
	return obj
}

// Str creates a string object carrying value as its preview.
func (h *Synthetic) Str(value string) *SynthObject {
	obj := h.New(graph.ClassString)
	obj.size = 48 + int64(len(value))
	obj.length = int64(len(value))
	obj.hasLen = true
	obj.preview = value
	obj.hasPreview = true
	return obj
}

// Instance creates a user-class instance of the named class.
func (h *Synthetic) Instance(className string) *SynthObject {
	obj := h.alloc(graph.ClassUserInstance, "")
	obj.typ = h.Class(className)
	return obj
}

// Modules returns the module roots sorted by name.
func (h *Synthetic) Modules() []Object {
	sorted := make([]*SynthObject, len(h.modules))
	copy(sorted, h.modules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	out := make([]Object, len(sorted))
	for i, m := range sorted {
		out[i] = m
	}
	return out
}

// Frames returns the frame roots topmost first.
func (h *Synthetic) Frames() []Object {
	out := make([]Object, 0, len(h.frames))
	for i := len(h.frames) - 1; i >= 0; i-- {
		out = append(out, h.frames[i])
	}
	return out
}

// BuiltinTypes returns the builtin type objects in classification order.
func (h *Synthetic) BuiltinTypes() []Object {
	out := make([]Object, len(h.builtins))
	for i, t := range h.builtins {
		out[i] = t
	}
	return out
}

type synthEntry struct {
	repr string
	key  *SynthObject
	val  *SynthObject
}

type synthFrame struct {
	locals  []Attr
	globals *SynthObject
	back    *SynthObject
	code    *SynthObject
}

// SynthObject is one object of a synthetic heap. Mutators return the
// object so constructions chain.
type SynthObject struct {
	heap       *Synthetic
	addr       uint64
	class      graph.Classification
	instClass  graph.Classification // for type objects: what instances are
	typ        *SynthObject
	name       string
	size       int64
	refcount   int64
	length     int64
	hasLen     bool
	preview    string
	hasPreview bool

	entries  []synthEntry
	seq      []*SynthObject
	members  []*SynthObject
	attrs    []Attr
	frame    *synthFrame
	refs     []Referent
	shapeErr error
}

// SetAttr records an attribute reference.
func (o *SynthObject) SetAttr(name string, v *SynthObject) *SynthObject {
	o.attrs = append(o.attrs, Attr{Name: name, Value: v})
	return o
}

// SetKey records a mapping entry. key may be nil for untracked primitive
// keys; repr is the key's textual representation.
func (o *SynthObject) SetKey(repr string, key, val *SynthObject) *SynthObject {
	o.entries = append(o.entries, synthEntry{repr: repr, key: key, val: val})
	return o
}

// Append records a sequence element.
func (o *SynthObject) Append(v *SynthObject) *SynthObject {
	o.seq = append(o.seq, v)
	return o
}

// AddMember records a set element.
func (o *SynthObject) AddMember(v *SynthObject) *SynthObject {
	o.members = append(o.members, v)
	return o
}

// AddReferent records an opaque referent with the given token.
func (o *SynthObject) AddReferent(token string, v *SynthObject) *SynthObject {
	o.refs = append(o.refs, Referent{Token: token, Value: v})
	return o
}

// SetLocal records a frame-local binding.
func (o *SynthObject) SetLocal(name string, v *SynthObject) *SynthObject {
	o.ensureFrame()
	o.frame.locals = append(o.frame.locals, Attr{Name: name, Value: v})
	return o
}

// SetGlobals wires the frame's globals dict.
func (o *SynthObject) SetGlobals(d *SynthObject) *SynthObject {
	o.ensureFrame()
	o.frame.globals = d
	return o
}

// SetCode wires the frame's code object.
func (o *SynthObject) SetCode(c *SynthObject) *SynthObject {
	o.ensureFrame()
	o.frame.code = c
	return o
}

// SetSize overrides the default byte size.
func (o *SynthObject) SetSize(n int64) *SynthObject {
	o.size = n
	return o
}

// SetRefCount sets the observed reference count.
func (o *SynthObject) SetRefCount(n int64) *SynthObject {
	o.refcount = n
	return o
}

// SetPreview sets the textual preview.
func (o *SynthObject) SetPreview(p string) *SynthObject {
	o.preview = p
	o.hasPreview = true
	return o
}

// SetLen overrides the container length.
func (o *SynthObject) SetLen(n int64) *SynthObject {
	o.length = n
	o.hasLen = true
	return o
}

// FailShape makes every shape accessor return err, simulating an object
// whose adapter raises mid-capture.
func (o *SynthObject) FailShape(err error) *SynthObject {
	o.shapeErr = err
	return o
}

func (o *SynthObject) ensureFrame() {
	if o.frame == nil {
		o.frame = &synthFrame{}
	}
}

// Object interface.

func (o *SynthObject) Addr() uint64                 { return o.addr }
func (o *SynthObject) Class() graph.Classification  { return o.class }
func (o *SynthObject) TypeObj() Object              { return o.typ }
func (o *SynthObject) Name() string                 { return o.name }
func (o *SynthObject) Size() int64                  { return o.size }
func (o *SynthObject) RefCount() int64              { return o.refcount }

// TypeName returns the name of this object's type.
func (o *SynthObject) TypeName() string {
	if o.typ == nil {
		return "type"
	}
	return o.typ.name
}

// InstanceClass returns the classification instances of this type object
// carry; meaningful only for type objects.
func (o *SynthObject) InstanceClass() graph.Classification {
	if o.instClass != "" {
		return o.instClass
	}
	return graph.ClassType
}

func (o *SynthObject) Len() (int64, bool) {
	if o.hasLen {
		return o.length, true
	}
	switch o.class {
	case graph.ClassDict:
		return int64(len(o.entries)), true
	case graph.ClassList, graph.ClassTuple:
		return int64(len(o.seq)), true
	case graph.ClassSet:
		return int64(len(o.members)), true
	}
	return 0, false
}

func (o *SynthObject) Preview(max int) (string, bool) {
	p := o.preview
	ok := o.hasPreview
	if !ok && o.name != "" {
		p, ok = o.name, true
	}
	if !ok {
		return "", false
	}
	if max > 0 && len(p) > max {
		p = p[:max]
	}
	return p, true
}

func (o *SynthObject) DictEntries() ([]DictEntry, error) {
	if o.shapeErr != nil {
		return nil, o.shapeErr
	}
	out := make([]DictEntry, 0, len(o.entries))
	for _, e := range o.entries {
		de := DictEntry{KeyRepr: e.repr, Value: e.val}
		if e.key != nil {
			de.Key = e.key
		}
		out = append(out, de)
	}
	return out, nil
}

func (o *SynthObject) SeqItems() ([]Object, error) {
	if o.shapeErr != nil {
		return nil, o.shapeErr
	}
	return asObjects(o.seq), nil
}

func (o *SynthObject) SetItems() ([]Object, error) {
	if o.shapeErr != nil {
		return nil, o.shapeErr
	}
	return asObjects(o.members), nil
}

func (o *SynthObject) Attrs() ([]Attr, error) {
	if o.shapeErr != nil {
		return nil, o.shapeErr
	}
	return o.attrs, nil
}

func (o *SynthObject) FrameInfo() (*FrameInfo, error) {
	if o.shapeErr != nil {
		return nil, o.shapeErr
	}
	if o.frame == nil {
		return &FrameInfo{}, nil
	}
	fi := &FrameInfo{Locals: o.frame.locals}
	if o.frame.globals != nil {
		fi.Globals = o.frame.globals
	}
	if o.frame.back != nil {
		fi.Back = o.frame.back
	}
	if o.frame.code != nil {
		fi.Code = o.frame.code
	}
	return fi, nil
}

func (o *SynthObject) Referents() ([]Referent, error) {
	if o.shapeErr != nil {
		return nil, o.shapeErr
	}
	return o.refs, nil
}

func asObjects(in []*SynthObject) []Object {
	out := make([]Object, len(in))
	for i, o := range in {
		out[i] = o
	}
	return out
}
