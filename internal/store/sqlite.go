package store

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Benny93/objex-go/internal/graph"
)

// snapshotDDL is the raw snapshot layout: the four logical tables plus
// the meta header row.
const snapshotDDL = `
CREATE TABLE meta (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	format_version INTEGER NOT NULL,
	schema_version INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	hostname TEXT NOT NULL,
	rss_bytes INTEGER NOT NULL,
	complete INTEGER NOT NULL,
	duration_s REAL
);

CREATE TABLE object (
	id INTEGER PRIMARY KEY,
	type_id INTEGER NOT NULL,
	size INTEGER NOT NULL,
	refcount INTEGER NOT NULL,
	len INTEGER,
	preview TEXT,
	flags INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE type (
	id INTEGER PRIMARY KEY,
	name_str_id INTEGER NOT NULL,
	type_node_id INTEGER NOT NULL,
	classification TEXT NOT NULL
);

CREATE TABLE reference (
	src_id INTEGER NOT NULL,
	label_str_id INTEGER NOT NULL,
	dst_id INTEGER NOT NULL
);

CREATE TABLE string (
	id INTEGER PRIMARY KEY,
	value BLOB NOT NULL
);
`

// analysisDDL is applied when switching from collection mode to analysis
// mode: the derived indices and materialized tables.
const analysisDDL = `
CREATE INDEX IF NOT EXISTS reference_src ON reference(src_id);
CREATE INDEX IF NOT EXISTS reference_dst ON reference(dst_id);
CREATE INDEX IF NOT EXISTS object_type ON object(type_id);
CREATE TABLE IF NOT EXISTS root_node (id INTEGER PRIMARY KEY);
CREATE TABLE IF NOT EXISTS summary (
	classification TEXT PRIMARY KEY,
	node_count INTEGER NOT NULL,
	byte_sum INTEGER NOT NULL
);
`

// totalsClass keys the whole-snapshot row in the summary table.
const totalsClass = "*"

// SQLiteBackend is the primary snapshot engine: a single relational file
// holding the object/type/reference/string tables.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend creates an unopened SQLite backend.
func NewSQLiteBackend() *SQLiteBackend {
	return &SQLiteBackend{}
}

// Create initializes a new snapshot file at path, which must not exist.
func (b *SQLiteBackend) Create(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("snapshot %s already exists", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(snapshotDDL); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating snapshot schema: %w", err)
	}

	b.db = db
	b.path = path
	return nil
}

// Open opens an existing snapshot file.
func (b *SQLiteBackend) Open(path string, readOnly bool) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("snapshot %s: %w", path, err)
	}

	dsn := path
	if readOnly {
		dsn = "file:" + path + "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("opening snapshot %s: %w", path, err)
	}

	b.db = db
	b.path = path
	return nil
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// WriteHeader inserts the meta row.
func (b *SQLiteBackend) WriteHeader(h Header) error {
	_, err := b.db.Exec(
		`INSERT INTO meta (id, format_version, schema_version, created_at, hostname, rss_bytes, complete)
		 VALUES (0, ?, ?, ?, ?, ?, ?)`,
		h.FormatVersion, h.SchemaVersion, h.CreatedAt.UTC().Format(time.RFC3339Nano),
		h.Hostname, h.RSSBytes, boolInt(h.Complete))
	if err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return nil
}

// Header reads the meta row.
func (b *SQLiteBackend) Header() (Header, error) {
	var (
		h        Header
		created  string
		complete int
		duration sql.NullFloat64
	)
	err := b.db.QueryRow(
		`SELECT format_version, schema_version, created_at, hostname, rss_bytes, complete, duration_s FROM meta WHERE id = 0`,
	).Scan(&h.FormatVersion, &h.SchemaVersion, &created, &h.Hostname, &h.RSSBytes, &complete, &duration)
	if err != nil {
		return Header{}, fmt.Errorf("reading header: %w", err)
	}
	h.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	h.Complete = complete != 0
	if duration.Valid {
		h.Duration = time.Duration(duration.Float64 * float64(time.Second))
	}
	return h, nil
}

// FinishCapture seals the snapshot.
func (b *SQLiteBackend) FinishCapture(complete bool, duration time.Duration) error {
	_, err := b.db.Exec(
		"UPDATE meta SET complete = ?, duration_s = ? WHERE id = 0",
		boolInt(complete), duration.Seconds())
	if err != nil {
		return fmt.Errorf("sealing snapshot: %w", err)
	}
	return nil
}

// AppendStrings inserts a batch of interned strings.
func (b *SQLiteBackend) AppendStrings(recs []graph.StringRecord) error {
	return b.batch("INSERT INTO string (id, value) VALUES (?, ?)", len(recs), func(stmt *sql.Stmt, i int) error {
		_, err := stmt.Exec(int64(recs[i].ID), []byte(recs[i].Value))
		return err
	})
}

// AppendTypes inserts a batch of type records.
func (b *SQLiteBackend) AppendTypes(recs []graph.TypeRecord) error {
	return b.batch("INSERT INTO type (id, name_str_id, type_node_id, classification) VALUES (?, ?, ?, ?)",
		len(recs), func(stmt *sql.Stmt, i int) error {
			r := recs[i]
			_, err := stmt.Exec(int64(r.ID), int64(r.NameStrID), int64(r.TypeNodeID), string(r.Classification))
			return err
		})
}

// AppendNodes inserts a batch of node records.
func (b *SQLiteBackend) AppendNodes(recs []graph.NodeRecord) error {
	return b.batch("INSERT INTO object (id, type_id, size, refcount, len, preview, flags) VALUES (?, ?, ?, ?, ?, ?, ?)",
		len(recs), func(stmt *sql.Stmt, i int) error {
			r := recs[i]
			var length sql.NullInt64
			if r.HasLen {
				length = sql.NullInt64{Int64: r.Len, Valid: true}
			}
			var preview sql.NullString
			if r.Preview != "" {
				preview = sql.NullString{String: r.Preview, Valid: true}
			}
			_, err := stmt.Exec(int64(r.ID), int64(r.TypeID), r.Size, r.RefCount, length, preview, int64(r.Flags))
			return err
		})
}

// AppendEdges inserts a batch of reference records.
func (b *SQLiteBackend) AppendEdges(recs []graph.EdgeRecord) error {
	return b.batch("INSERT INTO reference (src_id, label_str_id, dst_id) VALUES (?, ?, ?)",
		len(recs), func(stmt *sql.Stmt, i int) error {
			r := recs[i]
			_, err := stmt.Exec(int64(r.SrcID), int64(r.LabelStrID), int64(r.DstID))
			return err
		})
}

// batch runs one INSERT statement over n records inside a transaction.
func (b *SQLiteBackend) batch(query string, n int, exec func(*sql.Stmt, int) error) error {
	if n == 0 {
		return nil
	}
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning batch: %w", err)
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("preparing batch: %w", err)
	}
	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("inserting record: %w", err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// BuildIndexes applies the analysis DDL.
func (b *SQLiteBackend) BuildIndexes() error {
	if _, err := b.db.Exec(analysisDDL); err != nil {
		return fmt.Errorf("building indexes: %w", err)
	}
	return nil
}

// WriteRoots records the root node set.
func (b *SQLiteBackend) WriteRoots(ids []uint64) error {
	if _, err := b.db.Exec("DELETE FROM root_node"); err != nil {
		return fmt.Errorf("clearing roots: %w", err)
	}
	return b.batch("INSERT INTO root_node (id) VALUES (?)", len(ids), func(stmt *sql.Stmt, i int) error {
		_, err := stmt.Exec(int64(ids[i]))
		return err
	})
}

// WriteSummary records per-classification counts plus the totals row.
func (b *SQLiteBackend) WriteSummary(s graph.Stats) error {
	if _, err := b.db.Exec("DELETE FROM summary"); err != nil {
		return fmt.Errorf("clearing summary: %w", err)
	}
	rows := make([]graph.ClassStat, 0, len(s.ByClass)+1)
	rows = append(rows, graph.ClassStat{Classification: totalsClass, Count: s.Objects, Bytes: s.Bytes})
	rows = append(rows, s.ByClass...)
	return b.batch("INSERT INTO summary (classification, node_count, byte_sum) VALUES (?, ?, ?)",
		len(rows), func(stmt *sql.Stmt, i int) error {
			_, err := stmt.Exec(string(rows[i].Classification), rows[i].Count, rows[i].Bytes)
			return err
		})
}

// SetSchemaVersion bumps the artifact's schema version.
func (b *SQLiteBackend) SetSchemaVersion(v int) error {
	if _, err := b.db.Exec("UPDATE meta SET schema_version = ? WHERE id = 0", v); err != nil {
		return fmt.Errorf("setting schema version: %w", err)
	}
	return nil
}

// ScanNodes streams every node record in id order.
func (b *SQLiteBackend) ScanNodes(fn func(graph.NodeRecord) error) error {
	rows, err := b.db.Query("SELECT id, type_id, size, refcount, len, preview, flags FROM object ORDER BY id")
	if err != nil {
		return fmt.Errorf("scanning nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanNode(rows)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ScanEdges streams every reference record in capture order.
func (b *SQLiteBackend) ScanEdges(fn func(graph.EdgeRecord) error) error {
	rows, err := b.db.Query("SELECT src_id, label_str_id, dst_id FROM reference ORDER BY rowid")
	if err != nil {
		return fmt.Errorf("scanning edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var src, label, dst int64
		if err := rows.Scan(&src, &label, &dst); err != nil {
			return fmt.Errorf("scanning edge: %w", err)
		}
		if err := fn(graph.EdgeRecord{SrcID: uint64(src), LabelStrID: uint32(label), DstID: uint64(dst)}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ScanTypes streams every type record in id order.
func (b *SQLiteBackend) ScanTypes(fn func(graph.TypeRecord) error) error {
	rows, err := b.db.Query("SELECT id, name_str_id, type_node_id, classification FROM type ORDER BY id")
	if err != nil {
		return fmt.Errorf("scanning types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, nameStr, typeNode int64
		var class string
		if err := rows.Scan(&id, &nameStr, &typeNode, &class); err != nil {
			return fmt.Errorf("scanning type: %w", err)
		}
		rec := graph.TypeRecord{
			ID:             uint32(id),
			NameStrID:      uint32(nameStr),
			TypeNodeID:     uint64(typeNode),
			Classification: graph.Classification(class),
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Node returns a single node record.
func (b *SQLiteBackend) Node(id uint64) (graph.NodeRecord, error) {
	row := b.db.QueryRow("SELECT id, type_id, size, refcount, len, preview, flags FROM object WHERE id = ?", int64(id))
	r, err := scanNode(row)
	if err == sql.ErrNoRows {
		return graph.NodeRecord{}, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return r, err
}

// TypeRec returns a single type record.
func (b *SQLiteBackend) TypeRec(id uint32) (graph.TypeRecord, error) {
	var nameStr, typeNode int64
	var class string
	err := b.db.QueryRow(
		"SELECT name_str_id, type_node_id, classification FROM type WHERE id = ?", int64(id),
	).Scan(&nameStr, &typeNode, &class)
	if err == sql.ErrNoRows {
		return graph.TypeRecord{}, fmt.Errorf("type %d not found", id)
	}
	if err != nil {
		return graph.TypeRecord{}, fmt.Errorf("reading type %d: %w", id, err)
	}
	return graph.TypeRecord{
		ID:             id,
		NameStrID:      uint32(nameStr),
		TypeNodeID:     uint64(typeNode),
		Classification: graph.Classification(class),
	}, nil
}

// StringValue resolves an interned string reference.
func (b *SQLiteBackend) StringValue(id uint32) (string, error) {
	var value []byte
	err := b.db.QueryRow("SELECT value FROM string WHERE id = ?", int64(id)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("string %d not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("reading string %d: %w", id, err)
	}
	return string(value), nil
}

// StringCount returns the interned string table size.
func (b *SQLiteBackend) StringCount() (int64, error) {
	var n int64
	if err := b.db.QueryRow("SELECT count(*) FROM string").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting strings: %w", err)
	}
	return n, nil
}

// Outbound returns outbound edges in capture order with labels resolved.
func (b *SQLiteBackend) Outbound(id uint64) ([]graph.OutEdge, error) {
	rows, err := b.db.Query(
		`SELECT s.value, r.dst_id FROM reference r JOIN string s ON s.id = r.label_str_id
		 WHERE r.src_id = ? ORDER BY r.rowid`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("reading outbound edges: %w", err)
	}
	defer rows.Close()
	var out []graph.OutEdge
	for rows.Next() {
		var label []byte
		var dst int64
		if err := rows.Scan(&label, &dst); err != nil {
			return nil, fmt.Errorf("scanning outbound edge: %w", err)
		}
		out = append(out, graph.OutEdge{Label: string(label), DstID: uint64(dst)})
	}
	return out, rows.Err()
}

// Inbound returns inbound edges from the reverse index, sorted by
// (src, label).
func (b *SQLiteBackend) Inbound(id uint64) ([]graph.InEdge, error) {
	rows, err := b.db.Query(
		`SELECT r.src_id, s.value FROM reference r JOIN string s ON s.id = r.label_str_id
		 WHERE r.dst_id = ? ORDER BY r.src_id, s.value`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("reading inbound edges: %w", err)
	}
	defer rows.Close()
	var out []graph.InEdge
	for rows.Next() {
		var src int64
		var label []byte
		if err := rows.Scan(&src, &label); err != nil {
			return nil, fmt.Errorf("scanning inbound edge: %w", err)
		}
		out = append(out, graph.InEdge{SrcID: uint64(src), Label: string(label)})
	}
	return out, rows.Err()
}

// TypeMembers returns every node of the given type in id order, served
// by the object_type index.
func (b *SQLiteBackend) TypeMembers(typeID uint32) ([]uint64, error) {
	rows, err := b.db.Query("SELECT id FROM object WHERE type_id = ? ORDER BY id", int64(typeID))
	if err != nil {
		return nil, fmt.Errorf("reading type members: %w", err)
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning type member: %w", err)
		}
		out = append(out, uint64(id))
	}
	return out, rows.Err()
}

// Roots returns the root node set in id order.
func (b *SQLiteBackend) Roots() ([]uint64, error) {
	rows, err := b.db.Query("SELECT id FROM root_node ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("reading roots: %w", err)
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning root: %w", err)
		}
		out = append(out, uint64(id))
	}
	return out, rows.Err()
}

// IsRoot reports membership in the root set.
func (b *SQLiteBackend) IsRoot(id uint64) (bool, error) {
	var exists int
	err := b.db.QueryRow("SELECT EXISTS(SELECT 1 FROM root_node WHERE id = ?)", int64(id)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking root %d: %w", id, err)
	}
	return exists != 0, nil
}

// NonRootCount returns the number of nodes outside the root set.
func (b *SQLiteBackend) NonRootCount() (int64, error) {
	var n int64
	err := b.db.QueryRow(
		"SELECT count(*) FROM object WHERE id NOT IN (SELECT id FROM root_node)").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting non-root nodes: %w", err)
	}
	return n, nil
}

// NonRootAt returns the non-root node at the given offset of the
// id-ordered sequence.
func (b *SQLiteBackend) NonRootAt(offset int64) (uint64, error) {
	var id int64
	err := b.db.QueryRow(
		"SELECT id FROM object WHERE id NOT IN (SELECT id FROM root_node) ORDER BY id LIMIT 1 OFFSET ?",
		offset).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: non-root offset %d", ErrNodeNotFound, offset)
	}
	if err != nil {
		return 0, fmt.Errorf("sampling non-root node: %w", err)
	}
	return uint64(id), nil
}

// Stats reads the materialized summary plus live table counts.
func (b *SQLiteBackend) Stats() (graph.Stats, error) {
	var s graph.Stats
	rows, err := b.db.Query("SELECT classification, node_count, byte_sum FROM summary ORDER BY classification")
	if err != nil {
		return s, fmt.Errorf("reading summary: %w", err)
	}
	byClass := map[graph.Classification]graph.ClassStat{}
	for rows.Next() {
		var class string
		var count, bytes int64
		if err := rows.Scan(&class, &count, &bytes); err != nil {
			rows.Close()
			return s, fmt.Errorf("scanning summary: %w", err)
		}
		if class == totalsClass {
			s.Objects, s.Bytes = count, bytes
			continue
		}
		byClass[graph.Classification(class)] = graph.ClassStat{
			Classification: graph.Classification(class), Count: count, Bytes: bytes,
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, err
	}
	for _, c := range graph.Classifications {
		if cs, ok := byClass[c]; ok {
			s.ByClass = append(s.ByClass, cs)
		}
	}

	counts := []struct {
		query string
		dst   *int64
	}{
		{"SELECT count(*) FROM reference", &s.References},
		{"SELECT count(*) FROM type", &s.Types},
		{"SELECT count(*) FROM string", &s.Strings},
		{"SELECT count(*) FROM root_node", &s.Roots},
	}
	for _, c := range counts {
		if err := b.db.QueryRow(c.query).Scan(c.dst); err != nil {
			return s, fmt.Errorf("counting rows: %w", err)
		}
	}
	return s, nil
}

// scanner abstracts sql.Row and sql.Rows for scanNode.
type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (graph.NodeRecord, error) {
	var (
		id, typeID, size, refcount, flags int64
		length                            sql.NullInt64
		preview                           sql.NullString
	)
	if err := row.Scan(&id, &typeID, &size, &refcount, &length, &preview, &flags); err != nil {
		return graph.NodeRecord{}, err
	}
	return graph.NodeRecord{
		ID:       uint64(id),
		TypeID:   uint32(typeID),
		Size:     size,
		RefCount: refcount,
		Len:      length.Int64,
		HasLen:   length.Valid,
		Preview:  preview.String,
		Flags:    uint32(flags),
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
