package services

import (
	"fmt"
	"strings"

	"memograph/internal/models"
)

// Deterministic category -> color mapping for presentation.
var nodeColors = map[string]string{
	models.NodeCategoryCluster: "#7C3AED",
	models.NodeCategoryKeyword: "#0EA5E9",
	models.NodeCategoryMemory:  "#10B981",
}

// PendingTopicLabel is rendered for clusters whose topic generation has
// not completed yet. Partial data renders with a placeholder; it never
// drops the node.
const PendingTopicLabel = "(topic pending)"

const memoryPreviewLen = 60

// KnowledgeGraphBuilder turns cluster output plus member memories into
// presentation nodes and edges. Pure and deterministic: same input, same
// graph, in the same order.
type KnowledgeGraphBuilder struct{}

// NewKnowledgeGraphBuilder creates a builder.
func NewKnowledgeGraphBuilder() *KnowledgeGraphBuilder {
	return &KnowledgeGraphBuilder{}
}

// Build renders the graph for one user's clusters. memories maps memory
// ID to its row and supplies node labels; members without a row still get
// a node with a neutral label, so edges never dangle.
func (b *KnowledgeGraphBuilder) Build(clusters []models.ClusterResult, memories map[string]models.Memory) ([]models.GraphNode, []models.GraphEdge) {
	nodes := []models.GraphNode{}
	edges := []models.GraphEdge{}

	seenKeyword := map[string]bool{}
	seenMemory := map[string]bool{}

	for _, cluster := range clusters {
		clusterNodeID := "cluster:" + cluster.ClusterID

		label := cluster.Topic
		if label == "" {
			label = PendingTopicLabel
		}

		nodes = append(nodes, models.GraphNode{
			ID:       clusterNodeID,
			Label:    label,
			Category: models.NodeCategoryCluster,
			Size:     clusterSize(len(cluster.MemoryIDs)),
			Color:    nodeColors[models.NodeCategoryCluster],
		})

		for _, memoryID := range cluster.MemoryIDs {
			memoryNodeID := "memory:" + memoryID

			if !seenMemory[memoryID] {
				seenMemory[memoryID] = true
				nodes = append(nodes, models.GraphNode{
					ID:       memoryNodeID,
					Label:    memoryLabel(memories, memoryID),
					Category: models.NodeCategoryMemory,
					Size:     6,
					Color:    nodeColors[models.NodeCategoryMemory],
				})
			}

			edges = append(edges, models.GraphEdge{
				Source: clusterNodeID,
				Target: memoryNodeID,
				Type:   models.EdgeTypeContains,
				Weight: 1,
			})
		}

		for _, keyword := range cluster.Keywords {
			keywordNodeID := "keyword:" + keyword

			if !seenKeyword[keyword] {
				seenKeyword[keyword] = true
				nodes = append(nodes, models.GraphNode{
					ID:       keywordNodeID,
					Label:    keyword,
					Category: models.NodeCategoryKeyword,
					Size:     8,
					Color:    nodeColors[models.NodeCategoryKeyword],
				})
			}

			edges = append(edges, models.GraphEdge{
				Source: clusterNodeID,
				Target: keywordNodeID,
				Type:   models.EdgeTypeRelates,
				Weight: keywordWeight(cluster, keyword, memories),
			})
		}
	}

	return nodes, edges
}

// clusterSize scales a cluster node with its member count.
func clusterSize(memberCount int) float64 {
	return 12 + 4*float64(memberCount)
}

// memoryLabel prefers the derived summary, then a short content preview.
func memoryLabel(memories map[string]models.Memory, memoryID string) string {
	mem, ok := memories[memoryID]
	if !ok {
		return fmt.Sprintf("memory %s", memoryID)
	}
	if mem.Summary != "" {
		return truncateLabel(mem.Summary)
	}
	if mem.Content != "" {
		return truncateLabel(mem.Content)
	}
	return fmt.Sprintf("memory %s", memoryID)
}

func truncateLabel(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= memoryPreviewLen {
		return s
	}
	return truncateText(s, memoryPreviewLen-3) + "..."
}

// keywordWeight is proportional to how many of the cluster's members
// mention the keyword. Always >= 1 so attributed keywords never render
// with a zero-weight edge.
func keywordWeight(cluster models.ClusterResult, keyword string, memories map[string]models.Memory) float64 {
	count := 0
	needle := strings.ToLower(keyword)
	for _, memoryID := range cluster.MemoryIDs {
		if mem, ok := memories[memoryID]; ok {
			if strings.Contains(strings.ToLower(mem.Content), needle) {
				count++
			}
		}
	}
	if count < 1 {
		count = 1
	}
	return float64(count)
}
