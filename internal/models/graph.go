package models

// Node categories in the rendered knowledge graph.
const (
	NodeCategoryCluster = "cluster"
	NodeCategoryKeyword = "keyword"
	NodeCategoryMemory  = "memory"
)

// Edge types in the rendered knowledge graph.
const (
	EdgeTypeContains = "contains"
	EdgeTypeRelates  = "relates"
)

// GraphNode is one presentation node. Size is derived from member count,
// Color from the category (deterministic mapping).
type GraphNode struct {
	ID       string  `json:"id"`
	Label    string  `json:"label"`
	Category string  `json:"category"`
	Size     float64 `json:"size"`
	Color    string  `json:"color"`
}

// GraphEdge links two nodes. Weight is always >= 0.
type GraphEdge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// KnowledgeGraph is the response payload of the knowledge-graph endpoint.
// Stale is set when the most recent refresh attempt failed and a previous
// cached result was served instead.
type KnowledgeGraph struct {
	Nodes   []GraphNode `json:"nodes"`
	Links   []GraphEdge `json:"links"`
	Version int64       `json:"version"`
	Stale   bool        `json:"stale"`
}
