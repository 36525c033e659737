package store

import (
	"encoding/json"
	"time"
)

// Node is one immutable content version ("hist") of a document.
type Node struct {
	HID       string
	PID       string
	Title     string
	Metadata  json.RawMessage
	Published bool
	Deleted   bool
	Tstamp    *time.Time
}

// Edge is a provenance record ("event") linking a parent content
// version to a child version. A nil Parent marks an initial creation.
type Edge struct {
	Parent  *string
	Hist    string
	UID     string
	Reason  string
	Comment *string
	Tstamp  time.Time
}

// Graph is the connected component returned by GetGraph.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

type User struct {
	UID      string
	Tstamp   time.Time
	LastAuth time.Time
}

// Snapshot is an opaque telemetry record. The storage layer keys it by
// a digest of Data, so identical submissions collapse to one row.
type Snapshot struct {
	Data   json.RawMessage
	Source string
	Tstamp *time.Time
	UID    string
}
