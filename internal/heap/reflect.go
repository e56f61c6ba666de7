package heap

import (
	"fmt"
	"reflect"
	"runtime"
	"sort"

	"github.com/Benny93/objex-go/internal/graph"
)

// ReflectHeap is a facade over live Go values. Embedders register named
// root namespaces (captured as module nodes) and scopes (captured as frame
// nodes); the facade walks the registered values with the reflect package
// and presents them through the Object contract.
//
// Go reports no per-object reference counts, so RefCount is always 0.
// Unaddressable values (interned primitives held by interfaces) get
// synthetic identities: each occurrence is a distinct node.
type ReflectHeap struct {
	modules  []*rObject
	frames   []*rObject
	builtins []*rObject
	byClass  map[graph.Classification]*rObject
	types    map[reflect.Type]*rObject
	byPtr    map[uintptr]*rObject
	nextAddr uint64
}

// NewReflectHeap creates an empty facade with the builtin type objects
// pre-allocated.
func NewReflectHeap() *ReflectHeap {
	h := &ReflectHeap{
		byClass: make(map[graph.Classification]*rObject),
		types:   make(map[reflect.Type]*rObject),
		byPtr:   make(map[uintptr]*rObject),
	}

	typeType := h.alloc(graph.ClassType, "type")
	typeType.typ = typeType
	h.byClass[graph.ClassType] = typeType
	h.builtins = append(h.builtins, typeType)

	for _, c := range graph.Classifications {
		if c == graph.ClassType || c == graph.ClassUserInstance {
			continue
		}
		t := h.alloc(graph.ClassType, builtinTypeNames[c])
		t.typ = typeType
		h.byClass[c] = t
		h.builtins = append(h.builtins, t)
	}

	return h
}

// RegisterModule records a named root namespace. Its variables become
// attribute edges, enumerated in sorted name order.
func (h *ReflectHeap) RegisterModule(name string, vars map[string]any) {
	mod := h.alloc(graph.ClassModule, name)
	mod.typ = h.byClass[graph.ClassModule]

	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if v := h.adopt(reflect.ValueOf(vars[n])); v != nil {
			mod.attrs = append(mod.attrs, Attr{Name: n, Value: v})
		}
	}

	h.modules = append(h.modules, mod)
}

// PushFrame records a scope as a frame node. The most recently pushed
// frame is the top of the stack; its back pointer is the previous frame.
func (h *ReflectHeap) PushFrame(name string, locals map[string]any) {
	fr := h.alloc(graph.ClassFrame, name)
	fr.typ = h.byClass[graph.ClassFrame]
	fr.frame = &FrameInfo{}

	names := make([]string, 0, len(locals))
	for n := range locals {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if v := h.adopt(reflect.ValueOf(locals[n])); v != nil {
			fr.frame.Locals = append(fr.frame.Locals, Attr{Name: n, Value: v})
		}
	}

	if len(h.frames) > 0 {
		fr.frame.Back = h.frames[len(h.frames)-1]
	}
	h.frames = append(h.frames, fr)
}

// Modules returns the registered modules sorted by name.
func (h *ReflectHeap) Modules() []Object {
	sorted := make([]*rObject, len(h.modules))
	copy(sorted, h.modules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	out := make([]Object, len(sorted))
	for i, m := range sorted {
		out[i] = m
	}
	return out
}

// Frames returns the registered frames topmost first.
func (h *ReflectHeap) Frames() []Object {
	out := make([]Object, 0, len(h.frames))
	for i := len(h.frames) - 1; i >= 0; i-- {
		out = append(out, h.frames[i])
	}
	return out
}

// BuiltinTypes returns the builtin type objects in classification order.
func (h *ReflectHeap) BuiltinTypes() []Object {
	out := make([]Object, len(h.builtins))
	for i, t := range h.builtins {
		out[i] = t
	}
	return out
}

func (h *ReflectHeap) alloc(class graph.Classification, name string) *rObject {
	h.nextAddr++
	return &rObject{heap: h, addr: h.nextAddr, class: class, name: name}
}

// classify maps a Go value to its classification.
func classify(v reflect.Value) graph.Classification {
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Elem() == reflect.TypeOf(struct{}{}) {
			return graph.ClassSet
		}
		return graph.ClassDict
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return graph.ClassBytes
		}
		return graph.ClassList
	case reflect.Array:
		return graph.ClassTuple
	case reflect.String:
		return graph.ClassString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return graph.ClassInt
	case reflect.Float32, reflect.Float64:
		return graph.ClassFloat
	case reflect.Struct:
		return graph.ClassUserInstance
	case reflect.Func:
		return graph.ClassFunction
	default:
		return graph.ClassOtherBuiltin
	}
}

// adopt returns the facade object for a Go value, reusing identities for
// pointer-shaped values. Pointers and interfaces collapse onto their
// referent. Returns nil for invalid or nil values.
func (h *ReflectHeap) adopt(v reflect.Value) *rObject {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil
	}

	var ptr uintptr
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return nil
		}
		ptr = v.Pointer()
	default:
		if v.CanAddr() {
			ptr = v.Addr().Pointer()
		}
	}
	if ptr != 0 {
		// A struct and its first field share an address, so a cached
		// object is reused only when its type matches too.
		if o, ok := h.byPtr[ptr]; ok && o.val.Type() == v.Type() {
			return o
		}
	}

	obj := h.alloc(classify(v), "")
	obj.val = v
	obj.typ = h.typeObj(v.Type())
	if obj.class == graph.ClassFunction {
		if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
			obj.name = fn.Name()
		}
	}
	if _, taken := h.byPtr[ptr]; ptr != 0 && !taken {
		h.byPtr[ptr] = obj
	}
	return obj
}

// typeObj returns (creating on demand) the type object for a reflect type.
func (h *ReflectHeap) typeObj(t reflect.Type) *rObject {
	if o, ok := h.types[t]; ok {
		return o
	}
	name := t.String()
	if t.PkgPath() != "" && t.Name() != "" {
		name = t.PkgPath() + "." + t.Name()
	}
	o := h.alloc(graph.ClassType, name)
	o.typ = h.byClass[graph.ClassType]
	h.types[t] = o
	return o
}

// rObject adapts one Go value (or a synthesized module/frame/type) to the
// Object contract.
type rObject struct {
	heap  *ReflectHeap
	addr  uint64
	class graph.Classification
	name  string
	typ   *rObject
	val   reflect.Value
	attrs []Attr
	frame *FrameInfo
}

func (o *rObject) Addr() uint64                { return o.addr }
func (o *rObject) Class() graph.Classification { return o.class }
func (o *rObject) Name() string                { return o.name }
func (o *rObject) RefCount() int64             { return 0 }

func (o *rObject) TypeObj() Object { return o.typ }

func (o *rObject) TypeName() string {
	if o.typ == nil {
		return "type"
	}
	return o.typ.name
}

func (o *rObject) Size() int64 {
	if !o.val.IsValid() {
		return 64
	}
	size := int64(o.val.Type().Size())
	switch o.val.Kind() {
	case reflect.String:
		size += int64(o.val.Len())
	case reflect.Slice:
		size += int64(o.val.Len()) * int64(o.val.Type().Elem().Size())
	case reflect.Map:
		size += int64(o.val.Len()) * 16
	}
	return size
}

func (o *rObject) Len() (int64, bool) {
	if !o.val.IsValid() {
		return 0, false
	}
	switch o.val.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return int64(o.val.Len()), true
	}
	return 0, false
}

func (o *rObject) Preview(max int) (string, bool) {
	var p string
	switch {
	case o.name != "":
		p = o.name
	case !o.val.IsValid():
		return "", false
	case o.val.Kind() == reflect.String:
		p = o.val.String()
	case o.class == graph.ClassBytes:
		p = string(o.val.Bytes())
	case o.class == graph.ClassInt || o.class == graph.ClassFloat || o.class == graph.ClassUserInstance:
		p = fmt.Sprintf("%v", o.val.Interface())
	default:
		return "", false
	}
	if max > 0 && len(p) > max {
		p = p[:max]
	}
	return p, true
}

func (o *rObject) DictEntries() ([]DictEntry, error) {
	if !o.val.IsValid() || o.val.Kind() != reflect.Map {
		return nil, nil
	}
	keys := o.val.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprintf("%v", keys[i]) < fmt.Sprintf("%v", keys[j])
	})
	out := make([]DictEntry, 0, len(keys))
	for _, k := range keys {
		e := DictEntry{KeyRepr: fmt.Sprintf("%#v", k.Interface())}
		if keyObj := o.heap.adopt(k); keyObj != nil && !isPrimitive(keyObj.class) {
			e.Key = keyObj
		}
		if valObj := o.heap.adopt(o.val.MapIndex(k)); valObj != nil {
			e.Value = valObj
		}
		out = append(out, e)
	}
	return out, nil
}

func (o *rObject) SeqItems() ([]Object, error) {
	if !o.val.IsValid() {
		return nil, nil
	}
	switch o.val.Kind() {
	case reflect.Slice, reflect.Array:
	default:
		return nil, nil
	}
	out := make([]Object, 0, o.val.Len())
	for i := 0; i < o.val.Len(); i++ {
		if item := o.heap.adopt(o.val.Index(i)); item != nil {
			out = append(out, item)
		}
	}
	return out, nil
}

func (o *rObject) SetItems() ([]Object, error) {
	if !o.val.IsValid() || o.val.Kind() != reflect.Map {
		return nil, nil
	}
	keys := o.val.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprintf("%v", keys[i]) < fmt.Sprintf("%v", keys[j])
	})
	out := make([]Object, 0, len(keys))
	for _, k := range keys {
		if member := o.heap.adopt(k); member != nil {
			out = append(out, member)
		}
	}
	return out, nil
}

func (o *rObject) Attrs() ([]Attr, error) {
	if o.attrs != nil {
		return o.attrs, nil
	}
	if !o.val.IsValid() || o.val.Kind() != reflect.Struct {
		return nil, nil
	}
	t := o.val.Type()
	var out []Attr
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if v := o.heap.adopt(o.val.Field(i)); v != nil {
			out = append(out, Attr{Name: f.Name, Value: v})
		}
	}
	return out, nil
}

func (o *rObject) FrameInfo() (*FrameInfo, error) {
	if o.frame != nil {
		return o.frame, nil
	}
	return &FrameInfo{}, nil
}

func (o *rObject) Referents() ([]Referent, error) {
	return nil, nil
}

// isPrimitive reports classifications whose dict keys stay literal: they
// are value-like and carry no retention of their own worth tracking as a
// key node.
func isPrimitive(c graph.Classification) bool {
	switch c {
	case graph.ClassString, graph.ClassBytes, graph.ClassInt, graph.ClassFloat:
		return true
	}
	return false
}
