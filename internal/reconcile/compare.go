package reconcile

import (
	"context"
	"fmt"
	"math"
)

// ToleranceMode selects how a metric's tolerance is interpreted.
type ToleranceMode string

const (
	// Absolute compares |source - target| against the tolerance as-is.
	Absolute ToleranceMode = "absolute"
	// Relative scales the tolerance by the source value:
	// |source - target| <= tolerance * |source|.
	Relative ToleranceMode = "relative"
)

// withinTolerance reports the absolute delta and whether it is within
// the allowed deviation. The boundary itself counts as verified.
func withinTolerance(source, target, tolerance float64, mode ToleranceMode) (float64, bool) {
	delta := math.Abs(source - target)
	allowed := tolerance
	if mode == Relative {
		allowed = tolerance * math.Abs(source)
	}
	return delta, delta <= allowed
}

// Range is a half-open interval over the normalized sort order of a
// partition's rows. Providers map it onto their own key space.
type Range struct {
	Lo float64
	Hi float64
}

func (r Range) String() string {
	return fmt.Sprintf("[%.6f,%.6f)", r.Lo, r.Hi)
}

func (r Range) split(n int) []Range {
	if n < 2 {
		n = 2
	}
	out := make([]Range, 0, n)
	width := (r.Hi - r.Lo) / float64(n)
	for i := 0; i < n; i++ {
		lo := r.Lo + float64(i)*width
		hi := lo + width
		if i == n-1 {
			hi = r.Hi
		}
		out = append(out, Range{Lo: lo, Hi: hi})
	}
	return out
}

// ChecksumFetcher fetches the hash of one sorted sub-range of a
// partition. Both sides of a comparison implement it.
type ChecksumFetcher interface {
	FetchChecksumBatch(ctx context.Context, partitionKey string, r Range) (string, error)
}

// drillDown locates the sub-ranges where source and target disagree.
// Each level splits only mismatching ranges into batchCount children, so
// the work is bounded by the size of the actual delta, not the
// partition. Returns the narrowest mismatching ranges found.
func drillDown(ctx context.Context, source, target ChecksumFetcher, partitionKey string, batchCount, maxDepth int) ([]Range, error) {
	if batchCount < 2 {
		batchCount = 2
	}
	frontier := []Range{{Lo: 0, Hi: 1}}
	for depth := 0; depth < maxDepth; depth++ {
		var next []Range
		for _, r := range frontier {
			for _, child := range r.split(batchCount) {
				srcHash, err := source.FetchChecksumBatch(ctx, partitionKey, child)
				if err != nil {
					return nil, fmt.Errorf("source checksum %s: %w", child, err)
				}
				tgtHash, err := target.FetchChecksumBatch(ctx, partitionKey, child)
				if err != nil {
					return nil, fmt.Errorf("target checksum %s: %w", child, err)
				}
				if srcHash != tgtHash {
					next = append(next, child)
				}
			}
		}
		if len(next) == 0 {
			// Aggregate said discrepancy but hashes agree at this depth;
			// report the whole frontier rather than nothing.
			return frontier, nil
		}
		frontier = next
	}
	return frontier, nil
}
