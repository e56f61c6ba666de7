package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Benny93/objex-go/internal/graph"
)

// Key prefixes for the Badger engine. Node, type, and string ids are
// big-endian so lexicographic key order matches id order; reverse-index
// keys are prefixed by destination id so one sorted prefix scan yields a
// node's inbound edges.
const (
	prefixMeta       = "m:"
	prefixString     = "s:"
	prefixType       = "t:"
	prefixNode       = "o:"
	prefixEdge       = "r:"
	prefixInbound    = "in:"
	prefixTypeMember = "tm:"
	prefixRoot       = "root:"
)

// BadgerBackend is the key-value snapshot engine.
type BadgerBackend struct {
	db      *badger.DB
	path    string
	edgeSeq uint64

	strings map[uint32]string // lazy label cache
	roots   map[uint64]bool   // lazy root set
}

// NewBadgerBackend creates an unopened Badger backend.
func NewBadgerBackend() *BadgerBackend {
	return &BadgerBackend{}
}

func badgerOptions(path string, readOnly bool) badger.Options {
	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithLoggingLevel(badger.ERROR)
	if readOnly {
		opts = opts.WithReadOnly(true)
	}
	return opts
}

// Create initializes a new snapshot directory at path, which must not
// exist.
func (b *BadgerBackend) Create(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("snapshot %s already exists", path)
	}
	db, err := badger.Open(badgerOptions(path, false))
	if err != nil {
		return fmt.Errorf("opening badger snapshot %s: %w", path, err)
	}
	b.db = db
	b.path = path
	return nil
}

// Open opens an existing snapshot directory.
func (b *BadgerBackend) Open(path string, readOnly bool) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("snapshot %s: %w", path, err)
	}
	db, err := badger.Open(badgerOptions(path, readOnly))
	if err != nil {
		return fmt.Errorf("opening badger snapshot %s: %w", path, err)
	}
	b.db = db
	b.path = path
	return nil
}

// Close releases the database.
func (b *BadgerBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	b.strings = nil
	b.roots = nil
	return err
}

// badgerEdge is the stored form of one reference.
type badgerEdge struct {
	L uint32 `json:"l"`
	D uint64 `json:"d"`
}

// badgerInbound is one reverse-index entry.
type badgerInbound struct {
	S uint64 `json:"s"`
	L uint32 `json:"l"`
}

func nodeKey(id uint64) []byte   { return appendU64([]byte(prefixNode), id) }
func typeKey(id uint32) []byte   { return appendU32([]byte(prefixType), id) }
func stringKey(id uint32) []byte { return appendU32([]byte(prefixString), id) }
func rootKey(id uint64) []byte   { return appendU64([]byte(prefixRoot), id) }

func edgeKey(src, seq uint64) []byte {
	return appendU64(appendU64([]byte(prefixEdge), src), seq)
}

func inboundKey(dst, seq uint64) []byte {
	return appendU64(appendU64([]byte(prefixInbound), dst), seq)
}

func typeMemberKey(typeID uint32, id uint64) []byte {
	return appendU64(appendU32([]byte(prefixTypeMember), typeID), id)
}

func appendU64(key []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(key, buf[:]...)
}

func appendU32(key []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(key, buf[:]...)
}

// WriteHeader stores the meta record.
func (b *BadgerBackend) WriteHeader(h Header) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	return b.set([]byte(prefixMeta+"h"), data)
}

// Header reads the meta record.
func (b *BadgerBackend) Header() (Header, error) {
	var h Header
	data, err := b.get([]byte(prefixMeta + "h"))
	if err != nil {
		return h, fmt.Errorf("reading header: %w", err)
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("unmarshaling header: %w", err)
	}
	return h, nil
}

// FinishCapture seals the snapshot.
func (b *BadgerBackend) FinishCapture(complete bool, duration time.Duration) error {
	h, err := b.Header()
	if err != nil {
		return err
	}
	h.Complete = complete
	h.Duration = duration
	return b.WriteHeader(h)
}

// SetSchemaVersion bumps the schema version in the stored header.
func (b *BadgerBackend) SetSchemaVersion(v int) error {
	h, err := b.Header()
	if err != nil {
		return err
	}
	h.SchemaVersion = v
	return b.WriteHeader(h)
}

// AppendStrings stores a batch of interned strings.
func (b *BadgerBackend) AppendStrings(recs []graph.StringRecord) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range recs {
		if err := wb.Set(stringKey(r.ID), []byte(r.Value)); err != nil {
			return fmt.Errorf("setting string: %w", err)
		}
	}
	return wb.Flush()
}

// AppendTypes stores a batch of type records.
func (b *BadgerBackend) AppendTypes(recs []graph.TypeRecord) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling type: %w", err)
		}
		if err := wb.Set(typeKey(r.ID), data); err != nil {
			return fmt.Errorf("setting type: %w", err)
		}
	}
	return wb.Flush()
}

// AppendNodes stores a batch of node records.
func (b *BadgerBackend) AppendNodes(recs []graph.NodeRecord) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling node: %w", err)
		}
		if err := wb.Set(nodeKey(r.ID), data); err != nil {
			return fmt.Errorf("setting node: %w", err)
		}
	}
	return wb.Flush()
}

// AppendEdges stores a batch of reference records. Keys embed a global
// sequence number so per-source prefix scans replay capture order.
func (b *BadgerBackend) AppendEdges(recs []graph.EdgeRecord) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range recs {
		data, err := json.Marshal(badgerEdge{L: r.LabelStrID, D: r.DstID})
		if err != nil {
			return fmt.Errorf("marshaling edge: %w", err)
		}
		b.edgeSeq++
		if err := wb.Set(edgeKey(r.SrcID, b.edgeSeq), data); err != nil {
			return fmt.Errorf("setting edge: %w", err)
		}
	}
	return wb.Flush()
}

// BuildIndexes materializes the reverse-edge index by replaying the
// outbound table into destination-prefixed keys, and the type-member
// index by replaying the node table.
func (b *BadgerBackend) BuildIndexes() error {
	if err := b.db.DropPrefix([]byte(prefixInbound), []byte(prefixTypeMember)); err != nil {
		return fmt.Errorf("clearing derived indexes: %w", err)
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	var seq uint64
	err := b.ScanEdges(func(e graph.EdgeRecord) error {
		data, err := json.Marshal(badgerInbound{S: e.SrcID, L: e.LabelStrID})
		if err != nil {
			return err
		}
		seq++
		return wb.Set(inboundKey(e.DstID, seq), data)
	})
	if err != nil {
		return fmt.Errorf("building reverse index: %w", err)
	}

	err = b.ScanNodes(func(n graph.NodeRecord) error {
		return wb.Set(typeMemberKey(n.TypeID, n.ID), nil)
	})
	if err != nil {
		return fmt.Errorf("building type-member index: %w", err)
	}
	return wb.Flush()
}

// TypeMembers returns every node of the given type in id order via a
// sorted prefix scan.
func (b *BadgerBackend) TypeMembers(typeID uint32) ([]uint64, error) {
	var out []uint64
	prefix := appendU32([]byte(prefixTypeMember), typeID)
	err := b.scanPrefix(string(prefix), func(key, _ []byte) error {
		out = append(out, binary.BigEndian.Uint64(key[len(prefix):]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading type members: %w", err)
	}
	return out, nil
}

// WriteRoots records the root node set.
func (b *BadgerBackend) WriteRoots(ids []uint64) error {
	if err := b.db.DropPrefix([]byte(prefixRoot)); err != nil {
		return fmt.Errorf("clearing roots: %w", err)
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Set(rootKey(id), nil); err != nil {
			return fmt.Errorf("setting root: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	b.roots = nil
	return nil
}

// WriteSummary stores the snapshot statistics.
func (b *BadgerBackend) WriteSummary(s graph.Stats) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	return b.set([]byte(prefixMeta+"summary"), data)
}

// Stats reads the materialized summary.
func (b *BadgerBackend) Stats() (graph.Stats, error) {
	var s graph.Stats
	data, err := b.get([]byte(prefixMeta + "summary"))
	if err != nil {
		return s, fmt.Errorf("reading summary: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("unmarshaling summary: %w", err)
	}
	return s, nil
}

// ScanNodes streams every node record in id order.
func (b *BadgerBackend) ScanNodes(fn func(graph.NodeRecord) error) error {
	return b.scanPrefix(prefixNode, func(_, val []byte) error {
		var r graph.NodeRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return fmt.Errorf("unmarshaling node: %w", err)
		}
		return fn(r)
	})
}

// ScanEdges streams every reference record, ordered by (src, sequence).
func (b *BadgerBackend) ScanEdges(fn func(graph.EdgeRecord) error) error {
	return b.scanPrefix(prefixEdge, func(key, val []byte) error {
		var e badgerEdge
		if err := json.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("unmarshaling edge: %w", err)
		}
		src := binary.BigEndian.Uint64(key[len(prefixEdge):])
		return fn(graph.EdgeRecord{SrcID: src, LabelStrID: e.L, DstID: e.D})
	})
}

// ScanTypes streams every type record in id order.
func (b *BadgerBackend) ScanTypes(fn func(graph.TypeRecord) error) error {
	return b.scanPrefix(prefixType, func(_, val []byte) error {
		var r graph.TypeRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return fmt.Errorf("unmarshaling type: %w", err)
		}
		return fn(r)
	})
}

// Node returns a single node record.
func (b *BadgerBackend) Node(id uint64) (graph.NodeRecord, error) {
	data, err := b.get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return graph.NodeRecord{}, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	if err != nil {
		return graph.NodeRecord{}, fmt.Errorf("reading node %d: %w", id, err)
	}
	var r graph.NodeRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return graph.NodeRecord{}, fmt.Errorf("unmarshaling node %d: %w", id, err)
	}
	return r, nil
}

// TypeRec returns a single type record.
func (b *BadgerBackend) TypeRec(id uint32) (graph.TypeRecord, error) {
	data, err := b.get(typeKey(id))
	if err != nil {
		return graph.TypeRecord{}, fmt.Errorf("reading type %d: %w", id, err)
	}
	var r graph.TypeRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return graph.TypeRecord{}, fmt.Errorf("unmarshaling type %d: %w", id, err)
	}
	return r, nil
}

// StringValue resolves an interned string, caching resolved entries.
func (b *BadgerBackend) StringValue(id uint32) (string, error) {
	if s, ok := b.strings[id]; ok {
		return s, nil
	}
	data, err := b.get(stringKey(id))
	if err != nil {
		return "", fmt.Errorf("reading string %d: %w", id, err)
	}
	if b.strings == nil {
		b.strings = make(map[uint32]string)
	}
	b.strings[id] = string(data)
	return string(data), nil
}

// StringCount returns the interned string table size.
func (b *BadgerBackend) StringCount() (int64, error) {
	var n int64
	err := b.scanPrefix(prefixString, func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting strings: %w", err)
	}
	return n, nil
}

// Outbound returns outbound edges in capture order with labels resolved.
func (b *BadgerBackend) Outbound(id uint64) ([]graph.OutEdge, error) {
	var out []graph.OutEdge
	prefix := appendU64([]byte(prefixEdge), id)
	err := b.scanPrefix(string(prefix), func(_, val []byte) error {
		var e badgerEdge
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		label, err := b.StringValue(e.L)
		if err != nil {
			return err
		}
		out = append(out, graph.OutEdge{Label: label, DstID: e.D})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading outbound edges: %w", err)
	}
	return out, nil
}

// Inbound returns inbound edges from the reverse index, sorted by
// (src, label).
func (b *BadgerBackend) Inbound(id uint64) ([]graph.InEdge, error) {
	var out []graph.InEdge
	prefix := appendU64([]byte(prefixInbound), id)
	err := b.scanPrefix(string(prefix), func(_, val []byte) error {
		var e badgerInbound
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		label, err := b.StringValue(e.L)
		if err != nil {
			return err
		}
		out = append(out, graph.InEdge{SrcID: e.S, Label: label})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading inbound edges: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SrcID != out[j].SrcID {
			return out[i].SrcID < out[j].SrcID
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

// Roots returns the root node set in id order.
func (b *BadgerBackend) Roots() ([]uint64, error) {
	var out []uint64
	err := b.scanPrefix(prefixRoot, func(key, _ []byte) error {
		out = append(out, binary.BigEndian.Uint64(key[len(prefixRoot):]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading roots: %w", err)
	}
	return out, nil
}

// IsRoot reports membership in the root set.
func (b *BadgerBackend) IsRoot(id uint64) (bool, error) {
	if err := b.loadRoots(); err != nil {
		return false, err
	}
	return b.roots[id], nil
}

// NonRootCount returns the number of nodes outside the root set.
func (b *BadgerBackend) NonRootCount() (int64, error) {
	if err := b.loadRoots(); err != nil {
		return 0, err
	}
	var n int64
	err := b.ScanNodes(func(r graph.NodeRecord) error {
		if !b.roots[r.ID] {
			n++
		}
		return nil
	})
	return n, err
}

// NonRootAt returns the non-root node at the given offset of the
// id-ordered sequence.
func (b *BadgerBackend) NonRootAt(offset int64) (uint64, error) {
	if err := b.loadRoots(); err != nil {
		return 0, err
	}
	var (
		found bool
		id    uint64
		i     int64
	)
	err := b.ScanNodes(func(r graph.NodeRecord) error {
		if b.roots[r.ID] {
			return nil
		}
		if i == offset {
			found, id = true, r.ID
			return errStopScan
		}
		i++
		return nil
	})
	if err != nil && err != errStopScan {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: non-root offset %d", ErrNodeNotFound, offset)
	}
	return id, nil
}

var errStopScan = fmt.Errorf("stop scan")

func (b *BadgerBackend) loadRoots() error {
	if b.roots != nil {
		return nil
	}
	roots := make(map[uint64]bool)
	err := b.scanPrefix(prefixRoot, func(key, _ []byte) error {
		roots[binary.BigEndian.Uint64(key[len(prefixRoot):])] = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading roots: %w", err)
	}
	b.roots = roots
	return nil
}

func (b *BadgerBackend) set(key, val []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (b *BadgerBackend) get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (b *BadgerBackend) scanPrefix(prefix string, fn func(key, val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}
