package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"graphdoc/api/internal/store"
)

// graphStore is the slice of the storage layer the API surface needs.
type graphStore interface {
	Ping(ctx context.Context) error

	UpsertUser(ctx context.Context, uid string) (store.User, error)

	CreateDocument(ctx context.Context, parent *string, pid, title string, published bool, uid string) (store.Node, store.Edge, error)
	GetGraph(ctx context.Context, hid string) (store.Graph, error)
	GetNode(ctx context.Context, hid string) (store.Node, error)
	GetEdge(ctx context.Context, parent *string, hist string) (store.Edge, error)

	PatchNode(ctx context.Context, hid string, fields map[string]any) error
	PatchEdge(ctx context.Context, parent *string, hist string, fields map[string]any) error
	DeleteNode(ctx context.Context, hid string) error
	DeleteEdge(ctx context.Context, parent *string, hist string) error
	InsertNodeFields(ctx context.Context, fields map[string]any) (string, error)
	InsertEdgeFields(ctx context.Context, parent *string, hist string, fields map[string]any) error
	ReplaceNode(ctx context.Context, hid string, fields map[string]any) (string, error)
	ReplaceEdge(ctx context.Context, parent *string, hist string, fields map[string]any) error
	ListNodes(ctx context.Context) ([]string, error)
	ListEdges(ctx context.Context) ([]store.Edge, error)

	InsertSnapshot(ctx context.Context, snap store.Snapshot) (time.Time, error)
	InsertSnapshotBatch(ctx context.Context, snaps []store.Snapshot) (int, error)
}

// Service validates client input and shapes storage results into
// response payloads. All graph invariants live below it, in the store
// and ultimately in the database.
type Service struct {
	store graphStore
}

func NewService(store graphStore) *Service {
	return &Service{store: store}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// tstampLayout matches the microsecond UTC format clients already
// parse.
const tstampLayout = "2006-01-02T15:04:05.000000Z"

func formatTstamp(t time.Time) string {
	return t.UTC().Format(tstampLayout)
}

func formatTstampPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTstamp(*t)
}

func (s *Service) RegisterUser(ctx context.Context, body map[string]any) (map[string]any, error) {
	name, ok := body["name"].(string)
	if !ok || name == "" {
		return nil, validationError("need_name_string")
	}
	user, err := s.store.UpsertUser(ctx, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"uid":       user.UID,
		"tstamp":    formatTstamp(user.Tstamp),
		"last_auth": formatTstamp(user.LastAuth),
	}, nil
}

// CreateDocument makes a content node plus the provenance edge that
// explains it, atomically.
func (s *Service) CreateDocument(ctx context.Context, parent *string, body map[string]any, uid string) (map[string]any, error) {
	pid, ok := body["pid"].(string)
	if !ok {
		return nil, validationError("need_pid_string")
	}
	title, ok := body["title"].(string)
	if !ok {
		return nil, validationError("need_title_string")
	}
	published := false
	if raw, present := body["published"]; present {
		published, ok = raw.(bool)
		if !ok {
			return nil, validationError("invalid_published_type")
		}
	}

	node, edge, err := s.store.CreateDocument(ctx, parent, pid, title, published, uid)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"hid":            node.HID,
		"content_tstamp": formatTstampPtr(node.Tstamp),
		"action_tstamp":  formatTstamp(edge.Tstamp),
	}, nil
}

func (s *Service) Graph(ctx context.Context, hid string) (map[string]any, error) {
	graph, err := s.store.GetGraph(ctx, hid)
	if err != nil {
		return nil, err
	}

	nodes := make([]map[string]any, 0, len(graph.Nodes))
	for _, node := range graph.Nodes {
		nodes = append(nodes, map[string]any{
			"hid":    node.HID,
			"pid":    node.PID,
			"title":  node.Title,
			"tstamp": formatTstampPtr(node.Tstamp),
		})
	}
	edges := make([]map[string]any, 0, len(graph.Edges))
	for _, edge := range graph.Edges {
		edges = append(edges, map[string]any{
			"parent":  edge.Parent,
			"hist":    edge.Hist,
			"reason":  edge.Reason,
			"comment": edge.Comment,
			"tstamp":  formatTstamp(edge.Tstamp),
		})
	}
	return map[string]any{"nodes": nodes, "edges": edges}, nil
}

func (s *Service) Node(ctx context.Context, hid string) (map[string]any, error) {
	node, err := s.store.GetNode(ctx, hid)
	if err != nil {
		return nil, err
	}
	metadata := map[string]any{}
	if len(node.Metadata) > 0 {
		if err := json.Unmarshal(node.Metadata, &metadata); err != nil {
			return nil, fmt.Errorf("decode node metadata: %w", err)
		}
	}
	return map[string]any{
		"hid":       node.HID,
		"pid":       node.PID,
		"title":     node.Title,
		"metadata":  metadata,
		"published": node.Published,
		"tstamp":    formatTstampPtr(node.Tstamp),
	}, nil
}

func (s *Service) Edge(ctx context.Context, parent *string, hist string) (map[string]any, error) {
	edge, err := s.store.GetEdge(ctx, parent, hist)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"parent":  edge.Parent,
		"hist":    edge.Hist,
		"uid":     edge.UID,
		"reason":  edge.Reason,
		"comment": edge.Comment,
		"tstamp":  formatTstamp(edge.Tstamp),
	}, nil
}

func (s *Service) ListNodes(ctx context.Context) (map[string]any, error) {
	hids, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"nodes": hids}, nil
}

func (s *Service) ListEdges(ctx context.Context) (map[string]any, error) {
	edges, err := s.store.ListEdges(ctx)
	if err != nil {
		return nil, err
	}
	pairs := make([]map[string]any, 0, len(edges))
	for _, edge := range edges {
		pairs = append(pairs, map[string]any{
			"parent": edge.Parent,
			"hist":   edge.Hist,
		})
	}
	return map[string]any{"edges": pairs}, nil
}

// snapshotColumns are the only keys a telemetry payload may carry. The
// owner is always the session user, never the payload.
var snapshotColumns = map[string]struct{}{
	"data":   {},
	"source": {},
	"tstamp": {},
}

func snapshotFromPayload(payload map[string]any, uid string) (store.Snapshot, error) {
	if len(payload) == 0 {
		return store.Snapshot{}, validationError("invalid_snapshot")
	}
	for key := range payload {
		if _, ok := snapshotColumns[key]; !ok {
			return store.Snapshot{}, validationError("invalid_snapshot")
		}
	}

	source, ok := payload["source"].(string)
	if !ok || source == "" {
		return store.Snapshot{}, validationError("invalid_snapshot")
	}
	data, present := payload["data"]
	if !present {
		return store.Snapshot{}, validationError("invalid_snapshot")
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("encode snapshot data: %w", err)
	}

	snap := store.Snapshot{Data: encoded, Source: source, UID: uid}
	if raw, present := payload["tstamp"]; present {
		seconds, ok := raw.(float64)
		if !ok {
			return store.Snapshot{}, validationError("invalid_snapshot")
		}
		tstamp := time.Unix(int64(seconds), 0).UTC()
		snap.Tstamp = &tstamp
	}
	return snap, nil
}

func (s *Service) IngestSnapshot(ctx context.Context, payload map[string]any, uid string) (map[string]any, error) {
	snap, err := snapshotFromPayload(payload, uid)
	if err != nil {
		return nil, err
	}
	tstamp, err := s.store.InsertSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status": "inserted",
		"tstamp": formatTstamp(tstamp),
	}, nil
}

// IngestSnapshotBatch reads newline-delimited JSON objects. The whole
// batch is rejected if any line carries a disallowed key; duplicate
// rows are silently skipped and only genuinely new rows are counted.
func (s *Service) IngestSnapshotBatch(ctx context.Context, body []byte, uid string) (map[string]any, error) {
	var snaps []store.Snapshot
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(line, &payload); err != nil {
			return nil, validationError("invalid_snapshot")
		}
		snap, err := snapshotFromPayload(payload, uid)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot batch: %w", err)
	}

	count, err := s.store.InsertSnapshotBatch(ctx, snaps)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status": "inserted",
		"count":  count,
	}, nil
}

// Administrative pass-throughs. Input fields go to the store unchecked
// beyond the column whitelist; the database constraints are the only
// remaining guard, which is the point of these endpoints.

func (s *Service) PatchNode(ctx context.Context, hid string, fields map[string]any) (map[string]any, error) {
	if err := s.store.PatchNode(ctx, hid, fields); err != nil {
		return nil, err
	}
	return map[string]any{"status": "updated"}, nil
}

func (s *Service) PatchEdge(ctx context.Context, parent *string, hist string, fields map[string]any) (map[string]any, error) {
	if err := s.store.PatchEdge(ctx, parent, hist, fields); err != nil {
		return nil, err
	}
	return map[string]any{"status": "updated"}, nil
}

func (s *Service) DeleteNode(ctx context.Context, hid string) (map[string]any, error) {
	if err := s.store.DeleteNode(ctx, hid); err != nil {
		return nil, err
	}
	return map[string]any{"status": "deleted"}, nil
}

func (s *Service) DeleteEdge(ctx context.Context, parent *string, hist string) (map[string]any, error) {
	if err := s.store.DeleteEdge(ctx, parent, hist); err != nil {
		return nil, err
	}
	return map[string]any{"status": "deleted"}, nil
}

func (s *Service) InsertNode(ctx context.Context, fields map[string]any) (map[string]any, error) {
	hid, err := s.store.InsertNodeFields(ctx, fields)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "inserted", "hid": hid}, nil
}

func (s *Service) InsertEdge(ctx context.Context, parent *string, hist string, fields map[string]any) (map[string]any, error) {
	if err := s.store.InsertEdgeFields(ctx, parent, hist, fields); err != nil {
		return nil, err
	}
	return map[string]any{"status": "inserted"}, nil
}

func (s *Service) ReplaceNode(ctx context.Context, hid string, fields map[string]any) (map[string]any, error) {
	newHID, err := s.store.ReplaceNode(ctx, hid, fields)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "replaced", "hid": newHID}, nil
}

func (s *Service) ReplaceEdge(ctx context.Context, parent *string, hist string, fields map[string]any) (map[string]any, error) {
	if err := s.store.ReplaceEdge(ctx, parent, hist, fields); err != nil {
		return nil, err
	}
	return map[string]any{"status": "replaced"}, nil
}
