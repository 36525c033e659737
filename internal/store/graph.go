package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PostgresStore owns all reads and writes of the hist/event graph. The
// graph integrity rules live in database triggers and indexes, so every
// mutation below — including the admin escape hatches — passes through
// them.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const nodeColumnList = "hid, pid, title, metadata, published, deleted, tstamp"
const edgeColumnList = "parent, hist, uid, reason, comment, tstamp"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (Node, error) {
	var node Node
	err := row.Scan(&node.HID, &node.PID, &node.Title, &node.Metadata, &node.Published, &node.Deleted, &node.Tstamp)
	return node, err
}

func scanEdge(row rowScanner) (Edge, error) {
	var edge Edge
	err := row.Scan(&edge.Parent, &edge.Hist, &edge.UID, &edge.Reason, &edge.Comment, &edge.Tstamp)
	return edge, err
}

func (s *PostgresStore) CreateNode(ctx context.Context, pid, title string, metadata json.RawMessage, published bool) (Node, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	node, err := scanNode(s.db.QueryRowContext(ctx, `
		INSERT INTO document_hist (pid, title, metadata, published)
		VALUES ($1, $2, $3, $4)
		RETURNING `+nodeColumnList+`
	`, pid, title, string(metadata), published))
	if err != nil {
		return Node{}, fmt.Errorf("insert node: %w", translateError(err))
	}
	return node, nil
}

// CreateEdge inserts one provenance edge in its own transaction. The
// cycle trigger is deferred, so a violation surfaces from Commit, not
// from the insert itself.
func (s *PostgresStore) CreateEdge(ctx context.Context, parent *string, hist, uid, reason string, comment *string) (Edge, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Edge{}, fmt.Errorf("begin edge tx: %w", err)
	}
	edge, err := scanEdge(tx.QueryRowContext(ctx, `
		INSERT INTO document_event (parent, hist, uid, reason, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+edgeColumnList+`
	`, parent, hist, uid, reason, comment))
	if err != nil {
		_ = tx.Rollback()
		return Edge{}, fmt.Errorf("insert edge: %w", translateError(err))
	}
	if err := tx.Commit(); err != nil {
		return Edge{}, fmt.Errorf("commit edge: %w", translateError(err))
	}
	return edge, nil
}

// CreateDocument atomically creates a content node and the provenance
// edge recording where it came from. A nil parent is an initial
// creation; otherwise the new node extends a published ancestor.
func (s *PostgresStore) CreateDocument(ctx context.Context, parent *string, pid, title string, published bool, uid string) (Node, Edge, error) {
	reason := "insert"
	if parent != nil {
		reason = "update"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Node{}, Edge{}, fmt.Errorf("begin document tx: %w", err)
	}
	node, err := scanNode(tx.QueryRowContext(ctx, `
		INSERT INTO document_hist (pid, title, published)
		VALUES ($1, $2, $3)
		RETURNING `+nodeColumnList+`
	`, pid, title, published))
	if err != nil {
		_ = tx.Rollback()
		return Node{}, Edge{}, fmt.Errorf("insert document node: %w", translateError(err))
	}
	edge, err := scanEdge(tx.QueryRowContext(ctx, `
		INSERT INTO document_event (parent, hist, uid, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING `+edgeColumnList+`
	`, parent, node.HID, uid, reason))
	if err != nil {
		_ = tx.Rollback()
		return Node{}, Edge{}, fmt.Errorf("insert document edge: %w", translateError(err))
	}
	if err := tx.Commit(); err != nil {
		return Node{}, Edge{}, fmt.Errorf("commit document: %w", translateError(err))
	}
	return node, edge, nil
}

// graphEventsCTE expands the connected component around a seed node by
// fixed point: any edge touching an included hist as parent, or feeding
// an included parent as child, joins the set.
const graphEventsCTE = `
	WITH RECURSIVE all_events AS (
		SELECT parent, hist, uid, reason, comment, tstamp
		FROM document_event
		WHERE hist = $1 OR parent = $1
		UNION
		SELECT evt.parent, evt.hist, evt.uid, evt.reason, evt.comment, evt.tstamp
		FROM all_events ae
		JOIN document_event evt ON evt.parent = ae.hist OR evt.hist = ae.parent
	)
`

// GetGraph returns the full connected component of provenance around
// hid, following edges in both directions. Both queries run inside one
// repeatable-read transaction so concurrent writers cannot tear the
// result. The component is unbounded; large shared projects produce
// large responses.
func (s *PostgresStore) GetGraph(ctx context.Context, hid string) (Graph, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return Graph{}, fmt.Errorf("begin graph tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, graphEventsCTE+`
		SELECT parent, hist, uid, reason, comment, tstamp
		FROM all_events
		ORDER BY tstamp
	`, hid)
	if err != nil {
		return Graph{}, fmt.Errorf("query graph edges: %w", err)
	}
	defer rows.Close()

	graph := Graph{Nodes: make([]Node, 0), Edges: make([]Edge, 0)}
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return Graph{}, fmt.Errorf("scan graph edge: %w", err)
		}
		graph.Edges = append(graph.Edges, edge)
	}
	if err := rows.Err(); err != nil {
		return Graph{}, fmt.Errorf("iterate graph edges: %w", err)
	}
	rows.Close()

	nodeRows, err := tx.QueryContext(ctx, graphEventsCTE+`
		SELECT DISTINCT h.hid, h.pid, h.title, h.metadata, h.published, h.deleted, h.tstamp
		FROM document_hist h
		JOIN all_events ae ON ae.hist = h.hid
		ORDER BY h.tstamp
	`, hid)
	if err != nil {
		return Graph{}, fmt.Errorf("query graph nodes: %w", err)
	}
	defer nodeRows.Close()

	for nodeRows.Next() {
		node, err := scanNode(nodeRows)
		if err != nil {
			return Graph{}, fmt.Errorf("scan graph node: %w", err)
		}
		graph.Nodes = append(graph.Nodes, node)
	}
	if err := nodeRows.Err(); err != nil {
		return Graph{}, fmt.Errorf("iterate graph nodes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Graph{}, fmt.Errorf("commit graph tx: %w", err)
	}
	return graph, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, hid string) (Node, error) {
	node, err := scanNode(s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumnList+`
		FROM document_hist
		WHERE hid = $1
	`, hid))
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node: %w", translateError(err))
	}
	if node.Deleted {
		return Node{}, ErrGone
	}
	return node, nil
}

func (s *PostgresStore) GetEdge(ctx context.Context, parent *string, hist string) (Edge, error) {
	edge, err := scanEdge(s.db.QueryRowContext(ctx, `
		SELECT `+edgeColumnList+`
		FROM document_event
		WHERE parent IS NOT DISTINCT FROM $1 AND hist = $2
	`, parent, hist))
	if errors.Is(err, sql.ErrNoRows) {
		return Edge{}, ErrNotFound
	}
	if err != nil {
		return Edge{}, fmt.Errorf("get edge: %w", translateError(err))
	}
	return edge, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hid FROM document_hist ORDER BY tstamp`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	hids := make([]string, 0)
	for rows.Next() {
		var hid string
		if err := rows.Scan(&hid); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		hids = append(hids, hid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node ids: %w", err)
	}
	return hids, nil
}

func (s *PostgresStore) ListEdges(ctx context.Context) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT parent, hist FROM document_event ORDER BY tstamp`)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	edges := make([]Edge, 0)
	for rows.Next() {
		var edge Edge
		if err := rows.Scan(&edge.Parent, &edge.Hist); err != nil {
			return nil, fmt.Errorf("scan edge pair: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edge pairs: %w", err)
	}
	return edges, nil
}

// Administrative overrides. These accept caller-chosen field maps and
// skip the application-level checks; the database triggers and
// constraints still apply.

var nodeColumns = map[string]struct{}{
	"pid":       {},
	"title":     {},
	"metadata":  {},
	"published": {},
	"deleted":   {},
	"tstamp":    {},
}

var edgeColumns = map[string]struct{}{
	"parent":  {},
	"hist":    {},
	"uid":     {},
	"reason":  {},
	"comment": {},
	"tstamp":  {},
}

func (s *PostgresStore) PatchNode(ctx context.Context, hid string, fields map[string]any) error {
	assignments, args, err := buildSet(nodeColumns, fields)
	if err != nil {
		return err
	}
	args = append(args, hid)
	result, err := s.db.ExecContext(ctx,
		`UPDATE document_hist SET `+assignments+` WHERE hid = $`+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("patch node: %w", translateError(err))
	}
	return requireAffected(result, "patch node")
}

func (s *PostgresStore) PatchEdge(ctx context.Context, parent *string, hist string, fields map[string]any) error {
	assignments, args, err := buildSet(edgeColumns, fields)
	if err != nil {
		return err
	}
	args = append(args, parent, hist)
	result, err := s.db.ExecContext(ctx,
		`UPDATE document_event SET `+assignments+
			` WHERE parent IS NOT DISTINCT FROM $`+strconv.Itoa(len(args)-1)+
			` AND hist = $`+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("patch edge: %w", translateError(err))
	}
	return requireAffected(result, "patch edge")
}

func (s *PostgresStore) DeleteNode(ctx context.Context, hid string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM document_hist WHERE hid = $1`, hid)
	if err != nil {
		return fmt.Errorf("delete node: %w", translateError(err))
	}
	return requireAffected(result, "delete node")
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, parent *string, hist string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_event
		WHERE parent IS NOT DISTINCT FROM $1 AND hist = $2
	`, parent, hist)
	if err != nil {
		return fmt.Errorf("delete edge: %w", translateError(err))
	}
	return requireAffected(result, "delete edge")
}

func (s *PostgresStore) InsertNodeFields(ctx context.Context, fields map[string]any) (string, error) {
	columns, placeholders, args, err := buildInsert(nodeColumns, fields)
	if err != nil {
		return "", err
	}
	var hid string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO document_hist (`+columns+`) VALUES (`+placeholders+`) RETURNING hid`,
		args...).Scan(&hid)
	if err != nil {
		return "", fmt.Errorf("insert node fields: %w", translateError(err))
	}
	return hid, nil
}

func (s *PostgresStore) InsertEdgeFields(ctx context.Context, parent *string, hist string, fields map[string]any) error {
	merged := make(map[string]any, len(fields)+2)
	for name, value := range fields {
		merged[name] = value
	}
	merged["parent"] = parent
	merged["hist"] = hist
	columns, placeholders, args, err := buildInsert(edgeColumns, merged)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin edge tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO document_event (`+columns+`) VALUES (`+placeholders+`)`,
		args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert edge fields: %w", translateError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit edge fields: %w", translateError(err))
	}
	return nil
}

// ReplaceNode deletes and recreates a node in one transaction. The new
// node gets a fresh id.
func (s *PostgresStore) ReplaceNode(ctx context.Context, hid string, fields map[string]any) (string, error) {
	columns, placeholders, args, err := buildInsert(nodeColumns, fields)
	if err != nil {
		return "", err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin replace tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_hist WHERE hid = $1`, hid); err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("replace node delete: %w", translateError(err))
	}
	var newHID string
	insertArgs := append([]any{}, args...)
	err = tx.QueryRowContext(ctx,
		`INSERT INTO document_hist (`+columns+`) VALUES (`+placeholders+`) RETURNING hid`,
		insertArgs...).Scan(&newHID)
	if err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("replace node insert: %w", translateError(err))
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit replace node: %w", translateError(err))
	}
	return newHID, nil
}

func (s *PostgresStore) ReplaceEdge(ctx context.Context, parent *string, hist string, fields map[string]any) error {
	merged := make(map[string]any, len(fields)+2)
	for name, value := range fields {
		merged[name] = value
	}
	merged["parent"] = parent
	merged["hist"] = hist
	columns, placeholders, args, err := buildInsert(edgeColumns, merged)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM document_event
		WHERE parent IS NOT DISTINCT FROM $1 AND hist = $2
	`, parent, hist); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("replace edge delete: %w", translateError(err))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO document_event (`+columns+`) VALUES (`+placeholders+`)`,
		args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("replace edge insert: %w", translateError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace edge: %w", translateError(err))
	}
	return nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// buildSet renders "col = $N" assignments from a whitelisted field map
// in sorted column order.
func buildSet(allowed map[string]struct{}, fields map[string]any) (string, []any, error) {
	columns, args, err := collectFields(allowed, fields)
	if err != nil {
		return "", nil, err
	}
	assignments := make([]string, len(columns))
	for i, column := range columns {
		assignments[i] = column + " = $" + strconv.Itoa(i+1)
	}
	return strings.Join(assignments, ", "), args, nil
}

func buildInsert(allowed map[string]struct{}, fields map[string]any) (string, string, []any, error) {
	columns, args, err := collectFields(allowed, fields)
	if err != nil {
		return "", "", nil, err
	}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	return strings.Join(columns, ", "), strings.Join(placeholders, ", "), args, nil
}

func collectFields(allowed map[string]struct{}, fields map[string]any) ([]string, []any, error) {
	if len(fields) == 0 {
		return nil, nil, fmt.Errorf("%w: no fields given", ErrUnknownField)
	}
	columns := make([]string, 0, len(fields))
	for column := range fields {
		if _, ok := allowed[column]; !ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownField, column)
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)

	args := make([]any, len(columns))
	for i, column := range columns {
		value := fields[column]
		// Nested JSON values bind as their serialized form.
		switch value.(type) {
		case map[string]any, []any:
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, nil, fmt.Errorf("encode field %q: %w", column, err)
			}
			value = string(encoded)
		}
		args[i] = value
	}
	return columns, args, nil
}
