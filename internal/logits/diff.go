package logits

import "math"

// Diff summarizes how far vector B drifts from reference A.
type Diff struct {
	Len        int     `json:"len"`
	MaxAbs     float64 `json:"max_abs"`
	MeanAbs    float64 `json:"mean_abs"`
	RMSE       float64 `json:"rmse"`
	Cosine     float64 `json:"cosine"`
	Top1A      int     `json:"top1_a"`
	Top1B      int     `json:"top1_b"`
	Top1Match  bool    `json:"top1_match"`
	Top1Delta  float64 `json:"top1_delta"`
	TopOverlap int     `json:"top_overlap"`
}

// Compare diffs a and b over their common prefix. TopOverlap counts ids
// shared by the k largest entries of each; k < 2 skips it.
func Compare(a, b []float32, k int) Diff {
	n := min(len(a), len(b))
	if n == 0 {
		return Diff{Top1A: -1, Top1B: -1}
	}
	a, b = a[:n], b[:n]

	var sumAbs, sumSq, dot, normA, normB, maxAbs float64
	for i := range n {
		da, db := float64(a[i]), float64(b[i])
		diff := math.Abs(da - db)
		sumAbs += diff
		sumSq += diff * diff
		maxAbs = max(maxAbs, diff)
		dot += da * db
		normA += da * da
		normB += db * db
	}
	cos := 0.0
	if normA > 0 && normB > 0 {
		cos = dot / (math.Sqrt(normA) * math.Sqrt(normB))
	}

	d := Diff{
		Len:     n,
		MaxAbs:  maxAbs,
		MeanAbs: sumAbs / float64(n),
		RMSE:    math.Sqrt(sumSq / float64(n)),
		Cosine:  cos,
		Top1A:   Argmax(a),
		Top1B:   Argmax(b),
	}
	d.Top1Match = d.Top1A == d.Top1B
	d.Top1Delta = float64(a[d.Top1A] - b[d.Top1B])

	if k > 1 {
		seen := make(map[int]struct{}, k)
		for _, c := range TopK(a, k) {
			seen[c.ID] = struct{}{}
		}
		for _, c := range TopK(b, k) {
			if _, ok := seen[c.ID]; ok {
				d.TopOverlap++
			}
		}
	}
	return d
}

// DiffSummary folds per-position diffs the way a long comparison run reports
// them: worst MaxAbs, mean of the averaged metrics, top-1 agreement count.
type DiffSummary struct {
	Count      int     `json:"count"`
	MaxAbs     float64 `json:"max_abs"`
	MeanAbs    float64 `json:"mean_abs"`
	RMSE       float64 `json:"rmse"`
	Cosine     float64 `json:"cosine"`
	Top1Match  int     `json:"top1_match"`
	TopOverlap float64 `json:"top_overlap"`
}

// Add folds d into the running summary.
func (s *DiffSummary) Add(d Diff) {
	n := float64(s.Count)
	s.Count++
	s.MaxAbs = max(s.MaxAbs, d.MaxAbs)
	s.MeanAbs = (s.MeanAbs*n + d.MeanAbs) / float64(s.Count)
	s.RMSE = (s.RMSE*n + d.RMSE) / float64(s.Count)
	s.Cosine = (s.Cosine*n + d.Cosine) / float64(s.Count)
	s.TopOverlap = (s.TopOverlap*n + float64(d.TopOverlap)) / float64(s.Count)
	if d.Top1Match {
		s.Top1Match++
	}
}
