// Package vector canonicalizes embedding vectors to the system's current
// dimension.
//
// The canonical dimension has changed across the system's history, so
// stored vectors of the wrong length still show up. Normalize keeps
// storage self-consistent by tiling or truncating. This is a deliberately
// crude data-hygiene operation, NOT a dimensionality reduction. It discards or
// duplicates information and should never be mistaken for a
// quality-preserving transform; it exists only so dimension-migration
// recovery has one well-defined behavior.
package vector

// Normalize returns a vector of exactly targetDim elements.
//
//   - len(v) == targetDim: returned unchanged (same backing array).
//   - shorter: v is tiled end-to-end until it covers targetDim, then cut.
//   - longer: truncated to targetDim, no interpolation.
//   - empty or nil: a zero vector of length targetDim.
//
// Pure and deterministic; Normalize(Normalize(v, d), d) == Normalize(v, d).
func Normalize(v []float64, targetDim int) []float64 {
	if targetDim <= 0 {
		return []float64{}
	}

	if len(v) == targetDim {
		return v
	}

	if len(v) == 0 {
		return make([]float64, targetDim)
	}

	if len(v) > targetDim {
		return v[:targetDim]
	}

	out := make([]float64, targetDim)
	for i := range out {
		out[i] = v[i%len(v)]
	}
	return out
}

// IsCanonical reports whether a stored vector already matches the
// canonical dimension. Rows failing this check are treated as absent by
// backfill discovery, not as malformed data.
func IsCanonical(v []float64, targetDim int) bool {
	return len(v) == targetDim && targetDim > 0
}
