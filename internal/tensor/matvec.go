package tensor

// MatVecColMajor computes dst = Wᵀx for a weight stored as [in, out] with
// contiguous columns: column j occupies w[j*in : (j+1)*in]. Each output is
// accumulated in float64.
func MatVecColMajor(dst, w, x []float32, in, out int) {
	x = x[:in]
	for j := range out {
		col := w[j*in : (j+1)*in]
		var sum float64
		for i, xv := range x {
			sum += float64(xv) * float64(col[i])
		}
		dst[j] = float32(sum)
	}
}
