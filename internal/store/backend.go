// Package store provides the snapshot storage backends for Objex.
//
// It defines the Backend protocol every engine must satisfy, plus the
// batching Writer the capture walker streams into. Two persistent engines
// are provided — SQLite (the primary relational artifact) and BadgerDB (a
// key-value engine whose sorted prefix scans serve the reverse index) —
// along with an in-memory engine for tests.
package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Benny93/objex-go/internal/graph"
)

// Artifact versions. FormatVersion identifies the on-disk layout; the
// schema version records how far the artifact has progressed:
// SchemaRaw after capture, SchemaAnalyzed once the indexer has run.
const (
	FormatVersion  = 1
	SchemaRaw      = 1
	SchemaAnalyzed = 2
)

// Sentinel errors shared by backends and the query engine.
var (
	// ErrNodeNotFound reports a query for an unknown node id.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNotAnalyzed reports a raw snapshot opened for querying; the
	// analysis pass has to run first.
	ErrNotAnalyzed = errors.New("snapshot not analyzed; run 'objex analyze' first")

	// ErrSchemaMismatch reports an artifact whose versions are not
	// recognized by this build.
	ErrSchemaMismatch = errors.New("snapshot schema version not recognized")

	// ErrSnapshotIncomplete marks a capture that aborted mid-walk. The
	// artifact stays analyzable and queryable in degraded mode.
	ErrSnapshotIncomplete = errors.New("snapshot capture did not complete")
)

// Header is the snapshot meta record.
type Header struct {
	FormatVersion int
	SchemaVersion int
	CreatedAt     time.Time
	Hostname      string
	RSSBytes      int64
	Complete      bool
	Duration      time.Duration
}

// Validate checks the header against this build's versions.
func (h Header) Validate() error {
	if h.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: format version %d", ErrSchemaMismatch, h.FormatVersion)
	}
	if h.SchemaVersion < SchemaRaw || h.SchemaVersion > SchemaAnalyzed {
		return fmt.Errorf("%w: schema version %d", ErrSchemaMismatch, h.SchemaVersion)
	}
	return nil
}

// Backend is the storage engine protocol.
//
// Capture uses the append methods exclusively; the base tables are never
// mutated afterwards. Analysis adds derived indices alongside them; query
// only reads. Implementations need not be safe for concurrent writers,
// but reads may run concurrently once the artifact is complete.
type Backend interface {
	// Lifecycle

	// Create initializes a new snapshot artifact at path, which must not
	// already exist.
	Create(path string) error

	// Open opens an existing artifact. If readOnly is true, no write of
	// any kind is performed.
	Open(path string, readOnly bool) error

	// Close releases all resources held by the backend.
	Close() error

	// Capture

	WriteHeader(h Header) error
	Header() (Header, error)

	AppendStrings(recs []graph.StringRecord) error
	AppendTypes(recs []graph.TypeRecord) error
	AppendNodes(recs []graph.NodeRecord) error
	AppendEdges(recs []graph.EdgeRecord) error

	// FinishCapture seals the artifact, recording whether the walk ran
	// to completion and how long it took.
	FinishCapture(complete bool, duration time.Duration) error

	// Analysis

	// BuildIndexes materializes the reverse-edge and type-member
	// indices.
	BuildIndexes() error

	// WriteRoots records the root node set.
	WriteRoots(ids []uint64) error

	// WriteSummary records snapshot statistics.
	WriteSummary(s graph.Stats) error

	// SetSchemaVersion bumps the artifact's schema version.
	SetSchemaVersion(v int) error

	// Scans (analysis and invariant checks)

	ScanNodes(fn func(graph.NodeRecord) error) error
	ScanEdges(fn func(graph.EdgeRecord) error) error
	ScanTypes(fn func(graph.TypeRecord) error) error

	// Query

	Node(id uint64) (graph.NodeRecord, error)
	TypeRec(id uint32) (graph.TypeRecord, error)
	StringValue(id uint32) (string, error)
	StringCount() (int64, error)

	// Outbound returns a node's outbound edges in capture order with
	// labels resolved.
	Outbound(id uint64) ([]graph.OutEdge, error)

	// Inbound returns a node's inbound edges from the reverse index,
	// sorted by (src, label).
	Inbound(id uint64) ([]graph.InEdge, error)

	// TypeMembers returns the ids of every node of the given type, in
	// id order, from the type-member index.
	TypeMembers(typeID uint32) ([]uint64, error)

	Roots() ([]uint64, error)
	IsRoot(id uint64) (bool, error)

	// NonRootCount and NonRootAt support uniform sampling over the
	// non-root node set; offset addresses the id-ordered sequence.
	NonRootCount() (int64, error)
	NonRootAt(offset int64) (uint64, error)

	Stats() (graph.Stats, error)
}

// Detect picks the engine for a path: a directory holds a Badger store,
// anything else is a SQLite file.
func Detect(path string) Backend {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return NewBadgerBackend()
	}
	return NewSQLiteBackend()
}
