// Package vecmath provides the small amount of vector arithmetic the
// classifier and signal evaluators need: cosine similarity, L2 norms,
// component-wise centroids, and a compact binary encoding for storing
// vectors in SQLite blobs.
//
// Vectors are []float32 (what embedding servers return); accumulation and
// scores are float64 to avoid drift on 10^3-dimension inputs.
package vecmath

import (
	"encoding/binary"
	"math"
)

// Cosine computes cosine similarity between two vectors. Mismatched
// lengths or zero-norm inputs yield 0 — absence of similarity, not an
// error, so degraded embeddings never abort an evaluation.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CosineWithNorms computes cosine similarity using pre-computed L2 norms.
// Used on hot paths where one side (seed phrases, centroids) is compared
// against many queries.
func CosineWithNorms(a, b []float32, normA, normB float64) float64 {
	if len(a) != len(b) || normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}

// Norm computes the L2 norm of a vector.
func Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Centroid computes the component-wise mean of a vector set. Vectors whose
// length differs from the first one are skipped. Returns nil for an empty
// set.
func Centroid(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	acc := make([]float64, dim)
	n := 0
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i, s := range acc {
		out[i] = float32(s / float64(n))
	}
	return out
}

// Serialize converts a float32 slice to little-endian bytes.
func Serialize(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Deserialize converts little-endian bytes back to a float32 slice.
func Deserialize(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
