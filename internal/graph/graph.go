// Package graph projects persisted observations into the node/edge
// access graph. Nodes are servers plus synthetic unreachable sources;
// edges are access paths carrying the authorization and usage flags.
// The builder works on plain input slices so it never touches the
// database itself.
package graph

import (
	"fmt"
	"sort"
	"time"
)

// Layer names accepted by Layer queries.
const (
	LayerAuthorization = "authorization"
	LayerUsage         = "usage"
	LayerAll           = "all"
)

// ServerInfo is the server projection the builder consumes.
type ServerInfo struct {
	ID          int64
	Hostname    string
	IPAddress   string
	OSType      string
	IsReachable bool
	KeyCount    int
	EventCount  int
}

// PathInfo is the access-path projection, joined with key metadata.
type PathInfo struct {
	ID             int64
	SourceServerID int64 // 0 = unknown source
	TargetServerID int64
	SSHKeyID       int64
	KeyType        string
	Username       string
	EventCount     int64
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	IsAuthorized   bool
	IsUsed         bool
}

// UnreachableInfo is the unreachable-source projection.
type UnreachableInfo struct {
	ID             int64
	SourceIP       string
	ReverseDNS     string
	TargetServerID int64
	Username       string
	Severity       string
	EventCount     int64
}

// Data is everything the builder needs, loaded by the store.
type Data struct {
	Servers     []ServerInfo
	Paths       []PathInfo
	Unreachable []UnreachableInfo

	// ActiveWithin marks edges is_active when last_seen_at is within
	// this window of Now. Zero disables the distinction (all active).
	ActiveWithin time.Duration
	Now          time.Time
}

// Node is one graph node in the wire shape.
type Node struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Type        string `json:"type"` // server or unreachable
	IPAddress   string `json:"ip_address"`
	OSType      string `json:"os_type"`
	IsReachable bool   `json:"is_reachable"`
	KeyCount    int    `json:"key_count"`
	EventCount  int    `json:"event_count"`
}

// Edge is one graph edge in the wire shape.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Label        string `json:"label"`
	KeyType      string `json:"key_type"`
	Username     string `json:"username"`
	EventCount   int64  `json:"event_count"`
	IsActive     bool   `json:"is_active"`
	IsAuthorized bool   `json:"is_authorized"`
	IsUsed       bool   `json:"is_used"`

	keyID     int64
	firstSeen time.Time
}

// Graph is the projected multigraph. Safe for concurrent reads.
type Graph struct {
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
	NodeCount int    `json:"node_count"`
	EdgeCount int    `json:"edge_count"`
}

// Build projects the input data into a graph. Edges referencing servers
// absent from the input are dropped; placeholder servers without events
// or keys still appear when an edge touches them.
func Build(d Data) *Graph {
	g := &Graph{}

	known := make(map[string]bool)
	for _, s := range d.Servers {
		n := Node{
			ID:          serverNodeID(s.ID),
			Label:       s.Hostname,
			Type:        "server",
			IPAddress:   s.IPAddress,
			OSType:      s.OSType,
			IsReachable: s.IsReachable,
			KeyCount:    s.KeyCount,
			EventCount:  s.EventCount,
		}
		if n.Label == "" {
			n.Label = s.IPAddress
		}
		g.Nodes = append(g.Nodes, n)
		known[n.ID] = true
	}

	for _, p := range d.Paths {
		tgt := serverNodeID(p.TargetServerID)
		if !known[tgt] {
			continue
		}
		src := unknownSourceID
		if p.SourceServerID != 0 {
			src = serverNodeID(p.SourceServerID)
			if !known[src] {
				continue
			}
		}
		g.Edges = append(g.Edges, Edge{
			ID:           fmt.Sprintf("path-%d", p.ID),
			Source:       src,
			Target:       tgt,
			Label:        edgeLabel(p.Username, p.KeyType),
			KeyType:      p.KeyType,
			Username:     p.Username,
			EventCount:   p.EventCount,
			IsActive:     isActive(p.LastSeenAt, d),
			IsAuthorized: p.IsAuthorized,
			IsUsed:       p.IsUsed,
			keyID:        p.SSHKeyID,
			firstSeen:    p.FirstSeenAt,
		})
	}

	needUnknown := false
	for _, e := range g.Edges {
		if e.Source == unknownSourceID {
			needUnknown = true
			break
		}
	}
	if needUnknown {
		g.Nodes = append(g.Nodes, Node{
			ID:    unknownSourceID,
			Label: "unknown source",
			Type:  "server",
		})
		known[unknownSourceID] = true
	}

	for _, u := range d.Unreachable {
		tgt := serverNodeID(u.TargetServerID)
		if !known[tgt] {
			continue
		}
		nid := fmt.Sprintf("unreachable-%d", u.ID)
		label := u.SourceIP
		if u.ReverseDNS != "" {
			label = u.ReverseDNS
		}
		g.Nodes = append(g.Nodes, Node{
			ID:         nid,
			Label:      fmt.Sprintf("%s [%s]", label, u.Severity),
			Type:       "unreachable",
			IPAddress:  u.SourceIP,
			EventCount: int(u.EventCount),
		})
		g.Edges = append(g.Edges, Edge{
			ID:         fmt.Sprintf("ur-edge-%d", u.ID),
			Source:     nid,
			Target:     tgt,
			Label:      u.Username,
			Username:   u.Username,
			EventCount: u.EventCount,
			IsActive:   true,
			IsUsed:     true,
		})
	}

	g.finish()
	return g
}

const unknownSourceID = "server-0"

func serverNodeID(id int64) string { return fmt.Sprintf("server-%d", id) }

func edgeLabel(username, keyType string) string {
	if keyType == "" {
		return username
	}
	return username + " (" + keyType + ")"
}

func isActive(lastSeen time.Time, d Data) bool {
	if d.ActiveWithin <= 0 {
		return true
	}
	now := d.Now
	if now.IsZero() {
		now = time.Now()
	}
	return now.Sub(lastSeen) <= d.ActiveWithin
}

func (g *Graph) finish() {
	g.NodeCount = len(g.Nodes)
	g.EdgeCount = len(g.Edges)
	if g.Nodes == nil {
		g.Nodes = []Node{}
	}
	if g.Edges == nil {
		g.Edges = []Edge{}
	}
}

// Layer returns the subgraph for one layer: authorization keeps
// authorized edges (dormant keys included), usage keeps used edges
// (mystery keys included), all keeps everything with both flags.
func (g *Graph) Layer(layer string) *Graph {
	if layer == "" || layer == LayerAll {
		return g
	}
	keep := func(e Edge) bool {
		switch layer {
		case LayerAuthorization:
			return e.IsAuthorized
		case LayerUsage:
			return e.IsUsed
		default:
			return true
		}
	}
	out := &Graph{}
	used := make(map[string]bool)
	for _, e := range g.Edges {
		if keep(e) {
			out.Edges = append(out.Edges, e)
			used[e.Source] = true
			used[e.Target] = true
		}
	}
	for _, n := range g.Nodes {
		if used[n.ID] {
			out.Nodes = append(out.Nodes, n)
		}
	}
	out.finish()
	return out
}

// ServerSubgraph returns the nodes and edges within depth hops of the
// given node, following edges in both directions.
func (g *Graph) ServerSubgraph(nodeID string, depth int) *Graph {
	if depth < 0 {
		depth = 0
	}
	dist := map[string]int{nodeID: 0}
	frontier := []string{nodeID}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, e := range g.Edges {
			for _, pair := range [][2]string{{e.Source, e.Target}, {e.Target, e.Source}} {
				from, to := pair[0], pair[1]
				if d, ok := dist[from]; ok && d == hop {
					if _, seen := dist[to]; !seen {
						dist[to] = hop + 1
						next = append(next, to)
					}
				}
			}
		}
		frontier = next
	}

	out := &Graph{}
	for _, n := range g.Nodes {
		if _, ok := dist[n.ID]; ok {
			out.Nodes = append(out.Nodes, n)
		}
	}
	for _, e := range g.Edges {
		_, s := dist[e.Source]
		_, t := dist[e.Target]
		if s && t {
			out.Edges = append(out.Edges, e)
		}
	}
	out.finish()
	return out
}

// KeySubgraph returns every edge carrying the key plus incident nodes.
func (g *Graph) KeySubgraph(keyID int64) *Graph {
	out := &Graph{}
	used := make(map[string]bool)
	for _, e := range g.Edges {
		if e.keyID == keyID && keyID != 0 {
			out.Edges = append(out.Edges, e)
			used[e.Source] = true
			used[e.Target] = true
		}
	}
	for _, n := range g.Nodes {
		if used[n.ID] {
			out.Nodes = append(out.Nodes, n)
		}
	}
	out.finish()
	return out
}

// Path is one route through the graph.
type Path struct {
	Nodes []string `json:"nodes"`
	Edges []string `json:"edges"`
	Hops  int      `json:"hops"`
}

const (
	maxPathHops    = 10
	maxPathResults = 100
)

// FindPaths returns routes from one node to another over outgoing
// edges, shortest first, ties broken by the earliest first_seen_at along
// the path. Bounded to 10 hops and 100 results.
func (g *Graph) FindPaths(from, to string) []Path {
	adj := make(map[string][]Edge)
	for _, e := range g.Edges {
		adj[e.Source] = append(adj[e.Source], e)
	}

	type state struct {
		node  string
		nodes []string
		edges []Edge
	}
	var found []state
	queue := []state{{node: from, nodes: []string{from}}}
	for len(queue) > 0 && len(found) < maxPathResults {
		cur := queue[0]
		queue = queue[1:]
		if cur.node == to && len(cur.edges) > 0 {
			found = append(found, cur)
			continue
		}
		if len(cur.edges) >= maxPathHops {
			continue
		}
		for _, e := range adj[cur.node] {
			if containsNode(cur.nodes, e.Target) {
				continue
			}
			next := state{
				node:  e.Target,
				nodes: append(append([]string{}, cur.nodes...), e.Target),
				edges: append(append([]Edge{}, cur.edges...), e),
			}
			queue = append(queue, next)
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		if len(found[i].edges) != len(found[j].edges) {
			return len(found[i].edges) < len(found[j].edges)
		}
		return earliestSeen(found[i].edges).Before(earliestSeen(found[j].edges))
	})

	out := make([]Path, 0, len(found))
	for _, st := range found {
		p := Path{Nodes: st.nodes, Hops: len(st.edges)}
		for _, e := range st.edges {
			p.Edges = append(p.Edges, e.ID)
		}
		out = append(out, p)
	}
	return out
}

func containsNode(nodes []string, id string) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}

func earliestSeen(edges []Edge) time.Time {
	var min time.Time
	for _, e := range edges {
		if e.firstSeen.IsZero() {
			continue
		}
		if min.IsZero() || e.firstSeen.Before(min) {
			min = e.firstSeen
		}
	}
	return min
}
