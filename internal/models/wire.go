package models

// Wire schemas for the two external HTTP contracts. These are explicit
// structs validated at the process boundary; payload shape problems are
// surfaced as malformed-response errors, never passed through.

// EmbedRequest is sent to the embedding provider.
type EmbedRequest struct {
	Text string `json:"text"`
}

// EmbedResponse is the embedding provider's success payload.
type EmbedResponse struct {
	Embedding  []float64 `json:"embedding"`
	Dimensions int       `json:"dimensions"`
	Error      string    `json:"error,omitempty"`
}

// ClusterPoint is one id+vector pair sent to the clustering worker.
type ClusterPoint struct {
	ID     string    `json:"id"`
	Vector []float64 `json:"vector"`
}

// ClusterMember is one point assignment inside a returned centroid.
type ClusterMember struct {
	ID string `json:"id"`
}

// ClusterCentroid is one cluster in the worker's response.
type ClusterCentroid struct {
	ID     int             `json:"id"`
	Center []float64       `json:"center"`
	Points []ClusterMember `json:"points"`
}

// ClusterResponse is the clustering worker's payload for POST /cluster.
type ClusterResponse struct {
	Centroids []ClusterCentroid `json:"centroids"`
	Error     string            `json:"error,omitempty"`
}

// HealthResponse is the clustering worker's payload for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
