package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/kittclouds/memengine/internal/errs"
)

// schemaTemplate defines the four base tables plus the retrieval_sets side table
// (SPEC_FULL.md §13, Open Question ii). Table names are prefixed at Open
// time so multiple logical stores can share one database file, mirroring
// GoKitt's table_prefix config knob.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]svectors (
    id TEXT PRIMARY KEY,
    embedding BLOB NOT NULL,
    dim INTEGER NOT NULL,
    metadata TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]snodes (
    id TEXT PRIMARY KEY,
    node_type TEXT NOT NULL,
    properties TEXT,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]snodes_type ON %[1]snodes(node_type) WHERE is_deleted = 0;

-- No foreign keys: referential integrity (invariant I2, dangling-edge
-- pruning on delete) is managed at the application level, same call as
-- GoKitt's edges table.
CREATE TABLE IF NOT EXISTS %[1]sedges (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    edge_type TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    properties TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(source_id, target_id, edge_type)
);
CREATE INDEX IF NOT EXISTS idx_%[1]sedges_source ON %[1]sedges(source_id);
CREATE INDEX IF NOT EXISTS idx_%[1]sedges_target ON %[1]sedges(target_id);

CREATE TABLE IF NOT EXISTS %[1]sfeedback (
    id TEXT PRIMARY KEY,
    memory_id TEXT NOT NULL,
    feedback_type TEXT NOT NULL,
    score REAL NOT NULL,
    context TEXT,
    session_id TEXT,
    ts INTEGER NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0,
    UNIQUE(memory_id, session_id, ts)
);
CREATE INDEX IF NOT EXISTS idx_%[1]sfeedback_pending ON %[1]sfeedback(processed) WHERE processed = 0;

CREATE TABLE IF NOT EXISTS %[1]sretrieval_sets (
    query_hash TEXT NOT NULL,
    session_id TEXT NOT NULL,
    memory_ids TEXT NOT NULL,
    ts INTEGER NOT NULL,
    PRIMARY KEY (query_hash, session_id)
);
`

// SQLiteStore is the SQLite-backed implementation of Store. Locking is
// per-table rather than whole-database, per spec.md §5: a vector scan and a
// graph walk can proceed concurrently, but writers to the same table
// serialize against readers of that table.
type SQLiteStore struct {
	db     *sql.DB
	prefix string
	dim    int

	vecMu  sync.RWMutex
	nodeMu sync.RWMutex
	edgeMu sync.RWMutex
	fbMu   sync.RWMutex

	cache *storeCache
}

// Options configures a new SQLiteStore.
type Options struct {
	DSN         string
	TablePrefix string
	Dimension   int
	VectorCap   int
	NodeCap     int
	EdgeCap     int
}

// Open creates (or attaches to) a SQLite-backed store, running the schema
// migration and initializing the write-through cache. DSN is a SQLite file
// name or ":memory:"; the URL forms "sqlite::memory:" (in-memory) and
// "sqlite://<path>" (file-backed) are also accepted.
func Open(opts Options) (*SQLiteStore, error) {
	dsn := opts.DSN
	switch {
	case dsn == "" || dsn == "sqlite::memory:":
		dsn = ":memory:"
	case strings.HasPrefix(dsn, "sqlite://"):
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "store.Open", fmt.Errorf("open %s: %w", dsn, err))
	}

	schema := fmt.Sprintf(schemaTemplate, opts.TablePrefix)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.New(errs.StorageUnavailable, "store.Open", fmt.Errorf("migrate schema: %w", err))
	}

	c, err := newStoreCache(opts.VectorCap, opts.NodeCap, opts.EdgeCap)
	if err != nil {
		db.Close()
		return nil, errs.New(errs.StorageUnavailable, "store.Open", fmt.Errorf("init cache: %w", err))
	}

	return &SQLiteStore{
		db:     db,
		prefix: opts.TablePrefix,
		dim:    opts.Dimension,
		cache:  c,
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) table(name string) string { return s.prefix + name }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Vectors
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertVector(ctx context.Context, v *VectorRecord) error {
	s.vecMu.Lock()
	defer s.vecMu.Unlock()
	return s.insertVectorLocked(ctx, s.db, v)
}

func (s *SQLiteStore) insertVectorLocked(ctx context.Context, exec execer, v *VectorRecord) error {
	if s.dim > 0 && v.Dim != s.dim {
		return errs.New(errs.DimensionMismatch, "InsertVector", fmt.Errorf("expected dimension %d, got %d", s.dim, v.Dim))
	}
	meta, err := encodeJSON(v.Metadata)
	if err != nil {
		return errs.New(errs.DataCorruption, "InsertVector", err)
	}
	_, err = exec.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, embedding, dim, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedding=excluded.embedding, dim=excluded.dim,
			metadata=excluded.metadata, updated_at=excluded.updated_at
	`, s.table("vectors")), v.ID, encodeVector(v.Embedding), v.Dim, meta, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "InsertVector", err)
	}
	s.cache.putVector(v)
	return nil
}

func (s *SQLiteStore) GetVector(ctx context.Context, id string) (*VectorRecord, error) {
	s.vecMu.RLock()
	if v, ok := s.cache.getVector(id); ok {
		s.vecMu.RUnlock()
		return v, nil
	}
	s.vecMu.RUnlock()

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, embedding, dim, metadata, created_at, updated_at FROM %s WHERE id = ?`,
		s.table("vectors")), id)

	var v VectorRecord
	var blob []byte
	var meta sql.NullString
	if err := row.Scan(&v.ID, &blob, &v.Dim, &meta, &v.CreatedAt, &v.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "GetVector", fmt.Errorf("vector %s", id))
		}
		return nil, errs.New(errs.StorageUnavailable, "GetVector", err)
	}
	emb, err := decodeVector(blob, v.Dim)
	if err != nil {
		return nil, err
	}
	v.Embedding = emb
	v.Metadata, err = decodeJSON(meta)
	if err != nil {
		return nil, errs.New(errs.DataCorruption, "GetVector", err)
	}

	s.vecMu.Lock()
	s.cache.putVector(&v)
	s.vecMu.Unlock()
	return &v, nil
}

// QueryVectors performs a linear cosine-similarity scan over every
// non-deleted vector, per spec.md's deliberate choice not to depend on an
// ANN index. Results are sorted by
// score descending, ties broken by the lexicographically smaller id so
// results are reproducible across runs.
func (s *SQLiteStore) QueryVectors(ctx context.Context, query []float32, k int, threshold float64, filter VectorFilter) ([]ScoredVector, error) {
	s.vecMu.RLock()
	defer s.vecMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT v.id, v.embedding, v.dim, v.metadata, v.created_at, v.updated_at
		 FROM %s v JOIN %s n ON n.id = v.id
		 WHERE n.is_deleted = 0`, s.table("vectors"), s.table("nodes")))
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "QueryVectors", err)
	}
	defer rows.Close()

	var candidates []ScoredVector
	for rows.Next() {
		var id string
		var blob []byte
		var dim int
		var meta sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&id, &blob, &dim, &meta, &createdAt, &updatedAt); err != nil {
			return nil, errs.New(errs.StorageUnavailable, "QueryVectors", err)
		}
		emb, err := decodeVector(blob, dim)
		if err != nil {
			return nil, err
		}
		if filter != nil {
			props, err := decodeJSON(meta)
			if err != nil {
				return nil, errs.New(errs.DataCorruption, "QueryVectors", err)
			}
			rec := &VectorRecord{ID: id, Embedding: emb, Dim: dim, Metadata: props, CreatedAt: createdAt, UpdatedAt: updatedAt}
			if !filter(rec) {
				continue
			}
		}
		sim := cosineSimilarity(query, emb)
		if sim < threshold {
			continue
		}
		candidates = append(candidates, ScoredVector{ID: id, Sim: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.StorageUnavailable, "QueryVectors", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Sim != candidates[j].Sim {
			return candidates[i].Sim > candidates[j].Sim
		}
		return candidates[i].ID < candidates[j].ID
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertNode(ctx context.Context, n *NodeRecord) error {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	return s.insertNodeLocked(ctx, s.db, n)
}

func (s *SQLiteStore) insertNodeLocked(ctx context.Context, exec execer, n *NodeRecord) error {
	props, err := encodeJSON(n.Properties)
	if err != nil {
		return errs.New(errs.DataCorruption, "InsertNode", err)
	}
	var deletedAt sql.NullInt64
	if n.IsDeleted {
		deletedAt = sql.NullInt64{Int64: n.DeletedAt, Valid: true}
	}
	_, err = exec.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, node_type, properties, is_deleted, deleted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			node_type=excluded.node_type, properties=excluded.properties,
			is_deleted=excluded.is_deleted, deleted_at=excluded.deleted_at,
			updated_at=excluded.updated_at
	`, s.table("nodes")), n.ID, n.NodeType, props, boolToInt(n.IsDeleted), deletedAt, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "InsertNode", err)
	}
	s.cache.putNode(n)
	return nil
}

func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*NodeRecord, error) {
	s.nodeMu.RLock()
	if n, ok := s.cache.getNode(id); ok {
		s.nodeMu.RUnlock()
		return n, nil
	}
	s.nodeMu.RUnlock()

	n, err := s.scanNode(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	s.nodeMu.Lock()
	s.cache.putNode(n)
	s.nodeMu.Unlock()
	return n, nil
}

func (s *SQLiteStore) scanNode(ctx context.Context, q querier, id string) (*NodeRecord, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, node_type, properties, is_deleted, deleted_at, created_at, updated_at FROM %s WHERE id = ?`,
		s.table("nodes")), id)

	var n NodeRecord
	var props sql.NullString
	var isDeleted int
	var deletedAt sql.NullInt64
	if err := row.Scan(&n.ID, &n.NodeType, &props, &isDeleted, &deletedAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "GetNode", fmt.Errorf("node %s", id))
		}
		return nil, errs.New(errs.StorageUnavailable, "GetNode", err)
	}
	var err error
	n.Properties, err = decodeJSON(props)
	if err != nil {
		return nil, errs.New(errs.DataCorruption, "GetNode", err)
	}
	n.IsDeleted = isDeleted != 0
	n.DeletedAt = deletedAt.Int64
	return &n, nil
}

// ListNodes returns every node, optionally including tombstoned ones.
func (s *SQLiteStore) ListNodes(ctx context.Context, includeDeleted bool) ([]*NodeRecord, error) {
	s.nodeMu.RLock()
	defer s.nodeMu.RUnlock()

	query := fmt.Sprintf(
		`SELECT id, node_type, properties, is_deleted, deleted_at, created_at, updated_at FROM %s`,
		s.table("nodes"))
	if !includeDeleted {
		query += " WHERE is_deleted = 0"
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "ListNodes", err)
	}
	defer rows.Close()

	var out []*NodeRecord
	for rows.Next() {
		var n NodeRecord
		var props sql.NullString
		var isDeleted int
		var deletedAt sql.NullInt64
		if err := rows.Scan(&n.ID, &n.NodeType, &props, &isDeleted, &deletedAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, errs.New(errs.StorageUnavailable, "ListNodes", err)
		}
		n.Properties, err = decodeJSON(props)
		if err != nil {
			return nil, errs.New(errs.DataCorruption, "ListNodes", err)
		}
		n.IsDeleted = isDeleted != 0
		n.DeletedAt = deletedAt.Int64
		out = append(out, &n)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Edges
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertEdge(ctx context.Context, e *EdgeRecord) error {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	return s.insertEdgeLocked(ctx, s.db, e)
}

// insertEdgeLocked upserts an edge, resolving SPEC_FULL.md §13's Open
// Question (i): when an auto-linked edge already exists between the same
// (source, target, type), keep the larger of the two weights rather than
// overwriting or stacking duplicate rows. The conflict target is the
// (source_id, target_id, edge_type) unique index, not id, since every call
// to idgen.Connection mints a fresh id regardless of the pair it links --
// this is the single dedup path used both by auto-linking on insert and by
// explicit Manager.CreateConnection calls.
func (s *SQLiteStore) insertEdgeLocked(ctx context.Context, exec execer, e *EdgeRecord) error {
	props, err := encodeJSON(e.Properties)
	if err != nil {
		return errs.New(errs.DataCorruption, "InsertEdge", err)
	}
	_, err = exec.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, source_id, target_id, edge_type, weight, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, edge_type) DO UPDATE SET
			weight=MAX(%s.weight, excluded.weight),
			properties=excluded.properties, updated_at=excluded.updated_at
	`, s.table("edges"), s.table("edges")), e.ID, e.From, e.To, e.EdgeType, e.Weight, props, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "InsertEdge", err)
	}
	s.cache.putEdge(e)
	return nil
}

func (s *SQLiteStore) UpdateEdgeWeight(ctx context.Context, id string, weight float64, now int64) error {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET weight = ?, updated_at = ? WHERE id = ?`, s.table("edges")), weight, now, id)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "UpdateEdgeWeight", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "UpdateEdgeWeight", fmt.Errorf("edge %s", id))
	}
	s.cache.dropEdge(id)
	return nil
}

func (s *SQLiteStore) DeleteEdge(ctx context.Context, id string) error {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table("edges")), id); err != nil {
		return errs.New(errs.StorageUnavailable, "DeleteEdge", err)
	}
	s.cache.dropEdge(id)
	return nil
}

func (s *SQLiteStore) ListEdges(ctx context.Context, edgeType string) ([]*EdgeRecord, error) {
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()

	var rows *sql.Rows
	var err error
	if edgeType == "" {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT id, source_id, target_id, edge_type, weight, properties, created_at, updated_at FROM %s`,
			s.table("edges")))
	} else {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT id, source_id, target_id, edge_type, weight, properties, created_at, updated_at FROM %s WHERE edge_type = ?`,
			s.table("edges")), edgeType)
	}
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "ListEdges", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func (s *SQLiteStore) Neighbors(ctx context.Context, id string, edgeTypes []string) ([]*EdgeRecord, error) {
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()

	query := fmt.Sprintf(
		`SELECT id, source_id, target_id, edge_type, weight, properties, created_at, updated_at
		 FROM %s WHERE (source_id = ? OR target_id = ?)`, s.table("edges"))
	args := []any{id, id}
	if len(edgeTypes) > 0 {
		query += " AND edge_type IN (" + placeholders(len(edgeTypes)) + ")"
		for _, t := range edgeTypes {
			args = append(args, t)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "Neighbors", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows *sql.Rows) ([]*EdgeRecord, error) {
	var out []*EdgeRecord
	for rows.Next() {
		var e EdgeRecord
		var props sql.NullString
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.EdgeType, &e.Weight, &props, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, errs.New(errs.StorageUnavailable, "scanEdges", err)
		}
		var err error
		e.Properties, err = decodeJSON(props)
		if err != nil {
			return nil, errs.New(errs.DataCorruption, "scanEdges", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

// QueryGraph performs a breadth-first traversal from startNodes out to
// maxDepth hops, restricted to edgeTypes (all types if empty). Depth
// ordering plus ascending node id within a depth makes output deterministic
// across invocations, since rows.Next() order on a fresh scan per depth is
// not otherwise guaranteed stable.
func (s *SQLiteStore) QueryGraph(ctx context.Context, startNodes []string, edgeTypes []string, maxDepth, limit int) (*GraphResult, error) {
	visited := map[string]int{}
	for _, id := range startNodes {
		visited[id] = 0
	}
	frontier := append([]string(nil), startNodes...)
	var allEdges []*EdgeRecord
	edgeSeen := map[string]bool{}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		sort.Strings(frontier)
		var next []string
		for _, id := range frontier {
			edges, err := s.Neighbors(ctx, id, edgeTypes)
			if err != nil {
				return nil, err
			}
			sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
			for _, e := range edges {
				if !edgeSeen[e.ID] {
					edgeSeen[e.ID] = true
					allEdges = append(allEdges, e)
				}
				other := e.To
				if other == id {
					other = e.From
				}
				if _, seen := visited[other]; !seen {
					visited[other] = depth + 1
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if visited[ids[i]] != visited[ids[j]] {
			return visited[ids[i]] < visited[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	s.nodeMu.RLock()
	var nodes []*NodeRecord
	for _, id := range ids {
		n, err := s.scanNode(ctx, s.db, id)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			s.nodeMu.RUnlock()
			return nil, err
		}
		nodes = append(nodes, n)
	}
	s.nodeMu.RUnlock()

	return &GraphResult{Nodes: nodes, Edges: allEdges}, nil
}

// ---------------------------------------------------------------------------
// Atomic memory creation
// ---------------------------------------------------------------------------

// execer is satisfied by both *sql.DB and *sql.Tx, letting insertVectorLocked
// and insertNodeLocked run either standalone or inside CreateMemoryAtomic's
// transaction without duplicating their bodies.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateMemoryAtomic writes the vector, node, and any auto-linked edges in
// one SQL transaction, per spec.md §5's atomicity requirement: a reader
// must never observe a node without its vector or vice versa.
func (s *SQLiteStore) CreateMemoryAtomic(ctx context.Context, v *VectorRecord, n *NodeRecord, edges []*EdgeRecord) error {
	s.vecMu.Lock()
	s.nodeMu.Lock()
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	defer s.nodeMu.Unlock()
	defer s.vecMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "CreateMemoryAtomic", err)
	}
	defer tx.Rollback()

	if err := s.insertVectorLocked(ctx, tx, v); err != nil {
		return err
	}
	if err := s.insertNodeLocked(ctx, tx, n); err != nil {
		return err
	}
	for _, e := range edges {
		if err := s.insertEdgeLocked(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.StorageUnavailable, "CreateMemoryAtomic", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Node mutation
// ---------------------------------------------------------------------------

// TouchNode records a read of a node: it refreshes last_accessed and
// increments access_count and version in the node's properties, and sets
// updated_at to now.
func (s *SQLiteStore) TouchNode(ctx context.Context, id string, now int64) error {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET properties = json_set(COALESCE(properties, '{}'),
			'$.last_accessed', ?,
			'$.access_count', COALESCE(json_extract(properties, '$.access_count'), 0) + 1,
			'$.version', COALESCE(json_extract(properties, '$.version'), 0) + 1),
			updated_at = ? WHERE id = ?`, s.table("nodes")), now, now, id)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "TouchNode", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "TouchNode", fmt.Errorf("node %s", id))
	}
	s.cache.dropNode(id)
	return nil
}

func (s *SQLiteStore) UpdateNodeProperties(ctx context.Context, id string, mutate func(props map[string]any) error, now int64) error {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()

	n, err := s.scanNode(ctx, s.db, id)
	if err != nil {
		return err
	}
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	if err := mutate(n.Properties); err != nil {
		return err
	}
	n.UpdatedAt = now
	if err := s.insertNodeLocked(ctx, s.db, n); err != nil {
		return err
	}
	return nil
}

// Delete soft-deletes a node and prunes its incident edges (invariant I2:
// no edge may reference a tombstoned node). The vector row is left intact
// so history-aware reads can still resolve it.
func (s *SQLiteStore) Delete(ctx context.Context, id string, now int64) error {
	s.nodeMu.Lock()
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	defer s.nodeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "Delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET is_deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ?`,
		s.table("nodes")), now, now, id)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "Delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "Delete", fmt.Errorf("node %s", id))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE source_id = ? OR target_id = ?`, s.table("edges")), id, id); err != nil {
		return errs.New(errs.StorageUnavailable, "Delete", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.StorageUnavailable, "Delete", err)
	}
	s.cache.dropNode(id)
	return nil
}

// PurgeDeleted physically removes tombstoned nodes (and their now-orphaned
// vectors) whose deleted_at predecedes before, implementing the grace-period
// compaction spec.md describes for the soft-delete lifecycle.
func (s *SQLiteStore) PurgeDeleted(ctx context.Context, before int64) (int, error) {
	s.nodeMu.Lock()
	s.vecMu.Lock()
	defer s.vecMu.Unlock()
	defer s.nodeMu.Unlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id FROM %s WHERE is_deleted = 1 AND deleted_at < ?`, s.table("nodes")), before)
	if err != nil {
		return 0, errs.New(errs.StorageUnavailable, "PurgeDeleted", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errs.New(errs.StorageUnavailable, "PurgeDeleted", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errs.New(errs.StorageUnavailable, "PurgeDeleted", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.New(errs.StorageUnavailable, "PurgeDeleted", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table("nodes")), id); err != nil {
			return 0, errs.New(errs.StorageUnavailable, "PurgeDeleted", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table("vectors")), id); err != nil {
			return 0, errs.New(errs.StorageUnavailable, "PurgeDeleted", err)
		}
		s.cache.dropNode(id)
		s.cache.dropVector(id)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.New(errs.StorageUnavailable, "PurgeDeleted", err)
	}
	return len(ids), nil
}

// ---------------------------------------------------------------------------
// Feedback
// ---------------------------------------------------------------------------

// RecordFeedback inserts a feedback row, reporting false (not an error) if
// the (memory_id, session_id, ts) tuple was already recorded, so callers can
// treat resubmission as idempotent rather than failing the caller.
func (s *SQLiteStore) RecordFeedback(ctx context.Context, f *FeedbackRecord) (bool, error) {
	s.fbMu.Lock()
	defer s.fbMu.Unlock()

	ctxJSON, err := encodeJSON(f.Context)
	if err != nil {
		return false, errs.New(errs.DataCorruption, "RecordFeedback", err)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, memory_id, feedback_type, score, context, session_id, ts, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(memory_id, session_id, ts) DO NOTHING
	`, s.table("feedback")), f.ID, f.MemoryID, f.Type, f.Score, ctxJSON, f.SessionID, f.Timestamp)
	if err != nil {
		return false, errs.New(errs.StorageUnavailable, "RecordFeedback", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.New(errs.StorageUnavailable, "RecordFeedback", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) UnprocessedFeedback(ctx context.Context, limit int) ([]*FeedbackRecord, error) {
	s.fbMu.RLock()
	defer s.fbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, memory_id, feedback_type, score, context, session_id, ts, processed
		FROM %s WHERE processed = 0 ORDER BY ts ASC LIMIT ?
	`, s.table("feedback")), limit)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "UnprocessedFeedback", err)
	}
	defer rows.Close()

	var out []*FeedbackRecord
	for rows.Next() {
		var f FeedbackRecord
		var ctxJSON sql.NullString
		var processed int
		if err := rows.Scan(&f.ID, &f.MemoryID, &f.Type, &f.Score, &ctxJSON, &f.SessionID, &f.Timestamp, &processed); err != nil {
			return nil, errs.New(errs.StorageUnavailable, "UnprocessedFeedback", err)
		}
		f.Context, err = decodeJSON(ctxJSON)
		if err != nil {
			return nil, errs.New(errs.DataCorruption, "UnprocessedFeedback", err)
		}
		f.Processed = processed != 0
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkFeedbackProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.fbMu.Lock()
	defer s.fbMu.Unlock()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET processed = 1 WHERE id IN (%s)`, s.table("feedback"), placeholders(len(ids))), args...)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "MarkFeedbackProcessed", err)
	}
	return nil
}

func (s *SQLiteStore) PendingFeedbackCount(ctx context.Context) (int, error) {
	s.fbMu.RLock()
	defer s.fbMu.RUnlock()
	var n int
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE processed = 0`, s.table("feedback")))
	if err := row.Scan(&n); err != nil {
		return 0, errs.New(errs.StorageUnavailable, "PendingFeedbackCount", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Retrieval sets (SPEC_FULL.md §13, Open Question ii)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SaveRetrievalSet(ctx context.Context, queryHash, sessionID string, memoryIDs []string, ts int64) error {
	blob, err := json.Marshal(memoryIDs)
	if err != nil {
		return errs.New(errs.DataCorruption, "SaveRetrievalSet", err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (query_hash, session_id, memory_ids, ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(query_hash, session_id) DO UPDATE SET memory_ids=excluded.memory_ids, ts=excluded.ts
	`, s.table("retrieval_sets")), queryHash, sessionID, string(blob), ts)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "SaveRetrievalSet", err)
	}
	return nil
}

func (s *SQLiteStore) RetrievalSet(ctx context.Context, queryHash, sessionID string) ([]string, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT memory_ids FROM %s WHERE query_hash = ? AND session_id = ?`, s.table("retrieval_sets")),
		queryHash, sessionID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "RetrievalSet", fmt.Errorf("no retrieval set for %s/%s", queryHash, sessionID))
		}
		return nil, errs.New(errs.StorageUnavailable, "RetrievalSet", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, errs.New(errs.DataCorruption, "RetrievalSet", err)
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table("vectors")))
	if err := row.Scan(&st.VectorCount); err != nil {
		return st, errs.New(errs.StorageUnavailable, "Stats", err)
	}
	row = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE is_deleted = 0`, s.table("nodes")))
	if err := row.Scan(&st.NodeCount); err != nil {
		return st, errs.New(errs.StorageUnavailable, "Stats", err)
	}
	row = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE is_deleted = 1`, s.table("nodes")))
	if err := row.Scan(&st.DeletedNodeCount); err != nil {
		return st, errs.New(errs.StorageUnavailable, "Stats", err)
	}
	row = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table("edges")))
	if err := row.Scan(&st.EdgeCount); err != nil {
		return st, errs.New(errs.StorageUnavailable, "Stats", err)
	}
	row = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE processed = 0`, s.table("feedback")))
	if err := row.Scan(&st.PendingFeedback); err != nil {
		return st, errs.New(errs.StorageUnavailable, "Stats", err)
	}
	st.CacheHits, st.CacheMisses = s.cache.hitRate()
	return st, nil
}

// ---------------------------------------------------------------------------
// Export / Import
// ---------------------------------------------------------------------------

type exportedStore struct {
	Vectors []*VectorRecord `json:"vectors"`
	Nodes   []*NodeRecord   `json:"nodes"`
	Edges   []*EdgeRecord   `json:"edges"`
}

// Export snapshots the whole store (minus feedback and retrieval sets,
// which are operational logs rather than the memory graph itself) as JSON,
// mirroring the round-trip shape of GoKitt's Export/Import.
func (s *SQLiteStore) Export(ctx context.Context) ([]byte, error) {
	s.vecMu.RLock()
	s.nodeMu.RLock()
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	defer s.nodeMu.RUnlock()
	defer s.vecMu.RUnlock()

	var out exportedStore

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, embedding, dim, metadata, created_at, updated_at FROM %s`, s.table("vectors")))
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "Export", err)
	}
	for rows.Next() {
		var v VectorRecord
		var blob []byte
		var meta sql.NullString
		if err := rows.Scan(&v.ID, &blob, &v.Dim, &meta, &v.CreatedAt, &v.UpdatedAt); err != nil {
			rows.Close()
			return nil, errs.New(errs.StorageUnavailable, "Export", err)
		}
		v.Embedding, err = decodeVector(blob, v.Dim)
		if err != nil {
			rows.Close()
			return nil, err
		}
		v.Metadata, err = decodeJSON(meta)
		if err != nil {
			rows.Close()
			return nil, errs.New(errs.DataCorruption, "Export", err)
		}
		out.Vectors = append(out.Vectors, &v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.StorageUnavailable, "Export", err)
	}

	nodeRows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, node_type, properties, is_deleted, deleted_at, created_at, updated_at FROM %s`, s.table("nodes")))
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "Export", err)
	}
	for nodeRows.Next() {
		var n NodeRecord
		var props sql.NullString
		var isDeleted int
		var deletedAt sql.NullInt64
		if err := nodeRows.Scan(&n.ID, &n.NodeType, &props, &isDeleted, &deletedAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
			nodeRows.Close()
			return nil, errs.New(errs.StorageUnavailable, "Export", err)
		}
		n.Properties, err = decodeJSON(props)
		if err != nil {
			nodeRows.Close()
			return nil, errs.New(errs.DataCorruption, "Export", err)
		}
		n.IsDeleted = isDeleted != 0
		n.DeletedAt = deletedAt.Int64
		out.Nodes = append(out.Nodes, &n)
	}
	nodeRows.Close()
	if err := nodeRows.Err(); err != nil {
		return nil, errs.New(errs.StorageUnavailable, "Export", err)
	}

	edgeRows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, source_id, target_id, edge_type, weight, properties, created_at, updated_at FROM %s`, s.table("edges")))
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "Export", err)
	}
	edges, err := scanEdges(edgeRows)
	edgeRows.Close()
	if err != nil {
		return nil, err
	}
	out.Edges = edges

	data, err := json.Marshal(out)
	if err != nil {
		return nil, errs.New(errs.DataCorruption, "Export", err)
	}
	return data, nil
}

// Import replaces the store's contents with a previously-Exported snapshot.
func (s *SQLiteStore) Import(ctx context.Context, data []byte) error {
	var in exportedStore
	if err := json.Unmarshal(data, &in); err != nil {
		return errs.New(errs.DataCorruption, "Import", err)
	}

	s.vecMu.Lock()
	s.nodeMu.Lock()
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	defer s.nodeMu.Unlock()
	defer s.vecMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "Import", err)
	}
	defer tx.Rollback()

	for _, name := range []string{"edges", "nodes", "vectors"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table(name))); err != nil {
			return errs.New(errs.StorageUnavailable, "Import", err)
		}
	}
	for _, v := range in.Vectors {
		if err := s.insertVectorLocked(ctx, tx, v); err != nil {
			return err
		}
	}
	for _, n := range in.Nodes {
		if err := s.insertNodeLocked(ctx, tx, n); err != nil {
			return err
		}
	}
	for _, e := range in.Edges {
		if err := s.insertEdgeLocked(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.StorageUnavailable, "Import", err)
	}
	return nil
}
