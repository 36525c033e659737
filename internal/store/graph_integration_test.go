package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/google/uuid"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "graphdoc")
	pass := envOr("POSTGRES_PASSWORD", "graphdoc")
	dbname := envOr("POSTGRES_DB", "graphdoc_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Skipf("test database unavailable: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("test database unavailable: %v", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db)
}

func testUser(t *testing.T, s *PostgresStore) string {
	t.Helper()
	uid := "it-" + uuid.NewString()
	if _, err := s.UpsertUser(context.Background(), uid); err != nil {
		t.Fatalf("upsert test user: %v", err)
	}
	return uid
}

func mustCreateDocument(t *testing.T, s *PostgresStore, parent *string, uid string, published bool) Node {
	t.Helper()
	node, _, err := s.CreateDocument(context.Background(), parent, "it-"+uuid.NewString(), "integration doc", published, uid)
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return node
}

func TestUpsertUserIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	uid := "it-" + uuid.NewString()

	first, err := s.UpsertUser(ctx, uid)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := s.UpsertUser(ctx, uid)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.UID != uid {
		t.Fatalf("unexpected uid %q", second.UID)
	}
	if !second.Tstamp.Equal(first.Tstamp) {
		t.Fatalf("registration timestamp changed across upserts: %v vs %v", first.Tstamp, second.Tstamp)
	}
	if second.LastAuth.Before(first.LastAuth) {
		t.Fatalf("last_auth went backwards: %v then %v", first.LastAuth, second.LastAuth)
	}
}

func TestCreateDocumentRejectsUnpublishedParent(t *testing.T) {
	s := openTestStore(t)
	uid := testUser(t, s)

	draft := mustCreateDocument(t, s, nil, uid, false)

	_, _, err := s.CreateDocument(context.Background(), &draft.HID, "it-"+uuid.NewString(), "child", false, uid)
	if !errors.Is(err, ErrParentUnpublished) {
		t.Fatalf("expected ErrParentUnpublished, got %v", err)
	}
}

func TestCreateEdgeRejectsDuplicatePair(t *testing.T) {
	s := openTestStore(t)
	uid := testUser(t, s)

	parent := mustCreateDocument(t, s, nil, uid, true)
	child := mustCreateDocument(t, s, &parent.HID, uid, false)

	// The creating edge already exists; re-linking the same pair hits
	// the unique index.
	_, err := s.CreateEdge(context.Background(), &parent.HID, child.HID, uid, "update", nil)
	if !errors.Is(err, ErrDuplicateEdge) {
		t.Fatalf("expected ErrDuplicateEdge, got %v", err)
	}
}

func TestCreateEdgeRejectsDuplicateNullParent(t *testing.T) {
	s := openTestStore(t)
	uid := testUser(t, s)

	root := mustCreateDocument(t, s, nil, uid, true)

	// A node has exactly one creation event, enforced by the partial
	// index on NULL parents.
	_, err := s.CreateEdge(context.Background(), nil, root.HID, uid, "insert", nil)
	if !errors.Is(err, ErrDuplicateEdge) {
		t.Fatalf("expected ErrDuplicateEdge, got %v", err)
	}
}

func TestCreateEdgeRejectsCycleAtCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	uid := testUser(t, s)

	a := mustCreateDocument(t, s, nil, uid, true)
	b := mustCreateDocument(t, s, &a.HID, uid, true)

	// b is already a descendant of a; closing the loop must fail when
	// the deferred trigger fires.
	_, err := s.CreateEdge(ctx, &b.HID, a.HID, uid, "update", nil)
	if !errors.Is(err, ErrParentCycle) {
		t.Fatalf("expected ErrParentCycle, got %v", err)
	}
}

func TestPublishedNodeIsImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	node, err := s.CreateNode(ctx, "it-"+uuid.NewString(), "immutable doc", json.RawMessage(`{"rev": 1}`), true)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	err = s.PatchNode(ctx, node.HID, map[string]any{"title": "rewritten"})
	if !errors.Is(err, ErrAlreadyPublished) {
		t.Fatalf("expected ErrAlreadyPublished on update, got %v", err)
	}

	err = s.DeleteNode(ctx, node.HID)
	if !errors.Is(err, ErrAlreadyPublished) {
		t.Fatalf("expected ErrAlreadyPublished on delete, got %v", err)
	}
}

func TestDeleteNodeCascadesToEdges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	uid := testUser(t, s)

	node := mustCreateDocument(t, s, nil, uid, false)

	if err := s.DeleteNode(ctx, node.HID); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	_, err := s.GetEdge(ctx, nil, node.HID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected creation edge to be gone, got %v", err)
	}
}

func TestGetNodeGoneWhenSoftDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	node, err := s.CreateNode(ctx, "it-"+uuid.NewString(), "doomed doc", nil, false)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if err := s.PatchNode(ctx, node.HID, map[string]any{"deleted": true}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	_, err = s.GetNode(ctx, node.HID)
	if !errors.Is(err, ErrGone) {
		t.Fatalf("expected ErrGone, got %v", err)
	}
}

func TestGetGraphReturnsConnectedComponent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	uid := testUser(t, s)

	// root -> mid -> leaf, plus a sibling of mid. Querying from leaf
	// must surface all four nodes and all four edges.
	root := mustCreateDocument(t, s, nil, uid, true)
	mid := mustCreateDocument(t, s, &root.HID, uid, true)
	sibling := mustCreateDocument(t, s, &root.HID, uid, false)
	leaf := mustCreateDocument(t, s, &mid.HID, uid, false)

	graph, err := s.GetGraph(ctx, leaf.HID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}

	want := map[string]bool{root.HID: false, mid.HID: false, sibling.HID: false, leaf.HID: false}
	for _, node := range graph.Nodes {
		if _, ok := want[node.HID]; ok {
			want[node.HID] = true
		}
	}
	for hid, seen := range want {
		if !seen {
			t.Fatalf("node %s missing from component", hid)
		}
	}
	if len(graph.Nodes) != 4 {
		t.Fatalf("expected 4 nodes, got %d", len(graph.Nodes))
	}
	if len(graph.Edges) != 4 {
		t.Fatalf("expected 4 edges, got %d", len(graph.Edges))
	}
	for i := 1; i < len(graph.Edges); i++ {
		if graph.Edges[i].Tstamp.Before(graph.Edges[i-1].Tstamp) {
			t.Fatalf("edges not ordered by tstamp at index %d", i)
		}
	}
}

func TestGetGraphUnknownNodeIsEmpty(t *testing.T) {
	s := openTestStore(t)

	graph, err := s.GetGraph(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	if len(graph.Nodes) != 0 || len(graph.Edges) != 0 {
		t.Fatalf("expected empty graph, got %d nodes %d edges", len(graph.Nodes), len(graph.Edges))
	}
}

func TestInsertSnapshotBatchIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	uid := testUser(t, s)

	now, err := s.InsertSnapshot(ctx, Snapshot{
		Data:   json.RawMessage(`{"cpu": 1}`),
		Source: "it-" + uuid.NewString(),
		UID:    uid,
	})
	if err != nil {
		t.Fatalf("insert snapshot: %v", err)
	}
	if now.IsZero() {
		t.Fatal("expected server-assigned timestamp")
	}

	source := "it-" + uuid.NewString()
	batch := make([]Snapshot, 0, 3)
	for i := 0; i < 3; i++ {
		tstamp := now
		batch = append(batch, Snapshot{
			Data:   json.RawMessage(`{"seq": ` + strconv.Itoa(i) + `}`),
			Source: source,
			Tstamp: &tstamp,
			UID:    uid,
		})
	}

	inserted, err := s.InsertSnapshotBatch(ctx, batch)
	if err != nil {
		t.Fatalf("insert batch: %v", err)
	}
	if inserted != 3 {
		t.Fatalf("expected 3 inserted, got %d", inserted)
	}

	inserted, err = s.InsertSnapshotBatch(ctx, batch)
	if err != nil {
		t.Fatalf("reinsert batch: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("expected 0 inserted on replay, got %d", inserted)
	}

	inserted, err = s.InsertSnapshotBatch(ctx, nil)
	if err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("expected 0 for empty batch, got %d", inserted)
	}
}
