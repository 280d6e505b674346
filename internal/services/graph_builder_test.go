package services

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"memograph/internal/models"
)

func TestBuildClusterMemoriesAndKeywords(t *testing.T) {
	builder := NewKnowledgeGraphBuilder()

	clusters := []models.ClusterResult{{
		ClusterID: "run1-0",
		Topic:     "travel",
		MemoryIDs: []string{"m1", "m2"},
		Keywords:  []string{"tokyo"},
	}}
	memories := map[string]models.Memory{
		"m1": {ID: "m1", Content: "booked flights to tokyo"},
		"m2": {ID: "m2", Summary: "Hotel near Shinjuku", Content: "found a hotel in tokyo near shinjuku"},
	}

	nodes, edges := builder.Build(clusters, memories)

	if len(nodes) != 4 {
		t.Fatalf("expected 4 nodes (1 cluster, 2 memories, 1 keyword), got %d", len(nodes))
	}
	if len(edges) != 3 {
		t.Fatalf("expected 3 edges (2 contains, 1 relates), got %d", len(edges))
	}

	contains, relates := 0, 0
	for _, e := range edges {
		switch e.Type {
		case models.EdgeTypeContains:
			contains++
			if e.Source != "cluster:run1-0" {
				t.Errorf("contains edge from %s, expected the cluster node", e.Source)
			}
		case models.EdgeTypeRelates:
			relates++
			if e.Target != "keyword:tokyo" {
				t.Errorf("relates edge to %s, expected the keyword node", e.Target)
			}
			// Both members mention the keyword.
			if e.Weight != 2 {
				t.Errorf("expected relates weight 2, got %v", e.Weight)
			}
		}
	}
	if contains != 2 || relates != 1 {
		t.Errorf("expected 2 contains and 1 relates, got %d and %d", contains, relates)
	}

	// The summary wins over raw content as a memory label.
	for _, n := range nodes {
		if n.ID == "memory:m2" && n.Label != "Hotel near Shinjuku" {
			t.Errorf("expected summary label, got %q", n.Label)
		}
	}
}

func TestBuildPendingTopicRendersPlaceholder(t *testing.T) {
	builder := NewKnowledgeGraphBuilder()

	nodes, _ := builder.Build([]models.ClusterResult{{
		ClusterID: "run1-0",
		MemoryIDs: []string{"m1"},
	}}, map[string]models.Memory{})

	if nodes[0].Label != PendingTopicLabel {
		t.Errorf("expected placeholder label, got %q", nodes[0].Label)
	}
}

func TestBuildToleratesEmptyKeywordsAndMissingMemories(t *testing.T) {
	builder := NewKnowledgeGraphBuilder()

	nodes, edges := builder.Build([]models.ClusterResult{{
		ClusterID: "run1-0",
		Topic:     "misc",
		MemoryIDs: []string{"m1", "m2"},
	}}, nil)

	if len(nodes) != 3 {
		t.Errorf("expected 3 nodes without keywords, got %d", len(nodes))
	}
	if len(edges) != 2 {
		t.Errorf("expected 2 contains edges, got %d", len(edges))
	}
	for _, n := range nodes {
		if n.Label == "" {
			t.Errorf("node %s has an empty label", n.ID)
		}
	}
}

func TestBuildDeduplicatesSharedNodes(t *testing.T) {
	builder := NewKnowledgeGraphBuilder()

	clusters := []models.ClusterResult{
		{ClusterID: "run1-0", Topic: "a", MemoryIDs: []string{"m1"}, Keywords: []string{"shared"}},
		{ClusterID: "run1-1", Topic: "b", MemoryIDs: []string{"m2"}, Keywords: []string{"shared"}},
	}

	nodes, edges := builder.Build(clusters, nil)

	keywordNodes := 0
	for _, n := range nodes {
		if n.Category == models.NodeCategoryKeyword {
			keywordNodes++
		}
	}
	if keywordNodes != 1 {
		t.Errorf("expected the shared keyword node once, got %d", keywordNodes)
	}

	// Both clusters still edge into it.
	relates := 0
	for _, e := range edges {
		if e.Type == models.EdgeTypeRelates && e.Target == "keyword:shared" {
			relates++
		}
	}
	if relates != 2 {
		t.Errorf("expected 2 relates edges to the shared keyword, got %d", relates)
	}
}

func TestBuildMemoryLabelTruncatesOnRuneBoundary(t *testing.T) {
	builder := NewKnowledgeGraphBuilder()

	nodes, _ := builder.Build([]models.ClusterResult{{
		ClusterID: "run1-0",
		Topic:     "notes",
		MemoryIDs: []string{"m1"},
	}}, map[string]models.Memory{
		"m1": {ID: "m1", Content: strings.Repeat("é", 100)},
	})

	for _, n := range nodes {
		if n.ID != "memory:m1" {
			continue
		}
		if !strings.HasSuffix(n.Label, "...") {
			t.Errorf("expected truncated label, got %q", n.Label)
		}
		if !utf8.ValidString(n.Label) {
			t.Errorf("label is not valid UTF-8: %q", n.Label)
		}
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	builder := NewKnowledgeGraphBuilder()

	clusters := []models.ClusterResult{
		{ClusterID: "run1-0", Topic: "work", MemoryIDs: []string{"m1", "m2"}, Keywords: []string{"standup", "deploy"}},
		{ClusterID: "run1-1", Topic: "home", MemoryIDs: []string{"m3"}, Keywords: []string{"garden"}},
	}
	memories := map[string]models.Memory{
		"m1": {ID: "m1", Content: "standup notes"},
		"m2": {ID: "m2", Content: "deploy friday"},
		"m3": {ID: "m3", Content: "garden needs water"},
	}

	nodes1, edges1 := builder.Build(clusters, memories)
	nodes2, edges2 := builder.Build(clusters, memories)

	if !reflect.DeepEqual(nodes1, nodes2) {
		t.Error("node output differs between identical builds")
	}
	if !reflect.DeepEqual(edges1, edges2) {
		t.Error("edge output differs between identical builds")
	}
}

func TestBuildScalesClusterSizeWithMembers(t *testing.T) {
	builder := NewKnowledgeGraphBuilder()

	nodes, _ := builder.Build([]models.ClusterResult{
		{ClusterID: "run1-0", Topic: "small", MemoryIDs: []string{"m1"}},
		{ClusterID: "run1-1", Topic: "big", MemoryIDs: []string{"m2", "m3", "m4"}},
	}, nil)

	var small, big float64
	for _, n := range nodes {
		switch n.ID {
		case "cluster:run1-0":
			small = n.Size
		case "cluster:run1-1":
			big = n.Size
		}
	}
	if big <= small {
		t.Errorf("expected the bigger cluster to render larger (%v vs %v)", big, small)
	}
}
