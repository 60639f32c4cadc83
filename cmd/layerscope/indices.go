package main

import (
	"fmt"
	"strconv"
	"strings"
)

const maxIndexRange = 1 << 16

// parseIndices parses "0,3,5" or "0-3" style lists into uint32 values.
func parseIndices(s string) ([]uint32, error) {
	var out []uint32
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q", part)
		}
		b := a
		if isRange {
			if b, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 32); err != nil || b < a || b-a >= maxIndexRange {
				return nil, fmt.Errorf("invalid range %q", part)
			}
		}
		for i := a; i <= b; i++ {
			out = append(out, uint32(i))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no indices in %q", s)
	}
	return out, nil
}
