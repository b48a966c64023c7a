package streamer

import (
	"context"
	"fmt"

	"github.com/johoja12/nzbstream/internal/core/domain"
)

// resolveSizes establishes every segment's decoded size before any
// bytes flow, so offsets are known by the time they are emitted.
//
// A caller-supplied size table wins outright (with the last entry
// recomputed against fileSize). Otherwise the first and second segment
// headers decide whether the post is uniform; a disagreement means the
// poster used irregular parts and every header must be read.
func (s *SegmentStream) resolveSizes(ctx context.Context) ([]int64, error) {
	n := len(s.segmentIDs)

	if len(s.knownSizes) == n && n > 0 {
		sizes := append([]int64(nil), s.knownSizes...)
		var sum int64
		for _, sz := range sizes[:n-1] {
			sum += sz
		}
		if rest := s.fileSize - sum; rest > 0 {
			sizes[n-1] = rest
		}
		return sizes, nil
	}

	if n == 1 {
		return []int64{s.fileSize}, nil
	}

	first, err := s.dispatcher.GetYencHeader(ctx, s.segmentIDs[0], s.fileName)
	if err != nil {
		return nil, fmt.Errorf("resolving first segment size: %w", err)
	}
	if first.PartSize <= 0 {
		return nil, &domain.SegmentSizeUnknownError{SegmentID: s.segmentIDs[0], Reason: "zero part size"}
	}

	uniform := first.PartSize
	if n > 2 {
		second, err := s.dispatcher.GetYencHeader(ctx, s.segmentIDs[1], s.fileName)
		if err != nil {
			return nil, fmt.Errorf("resolving second segment size: %w", err)
		}
		if second.PartSize != uniform {
			// Irregular post: no shortcut, read every header.
			return s.resolveAllSizes(ctx, first.PartSize, second.PartSize)
		}
	}

	sizes := make([]int64, n)
	var sum int64
	for i := 0; i < n-1; i++ {
		sizes[i] = uniform
		sum += uniform
	}

	last := s.fileSize - sum
	if last <= 0 {
		// The size table disagrees with fileSize; trust the final
		// header instead.
		hdr, err := s.dispatcher.GetYencHeader(ctx, s.segmentIDs[n-1], s.fileName)
		if err != nil {
			return nil, fmt.Errorf("resolving final segment size: %w", err)
		}
		last = hdr.PartSize
	}
	sizes[n-1] = last
	return sizes, nil
}

func (s *SegmentStream) resolveAllSizes(ctx context.Context, first, second int64) ([]int64, error) {
	n := len(s.segmentIDs)
	sizes := make([]int64, n)
	sizes[0], sizes[1] = first, second
	for i := 2; i < n; i++ {
		hdr, err := s.dispatcher.GetYencHeader(ctx, s.segmentIDs[i], s.fileName)
		if err != nil {
			return nil, fmt.Errorf("resolving segment %d size: %w", i, err)
		}
		if hdr.PartSize <= 0 {
			return nil, &domain.SegmentSizeUnknownError{SegmentID: s.segmentIDs[i], Reason: "zero part size"}
		}
		sizes[i] = hdr.PartSize
	}
	return sizes, nil
}

// cumulativeOffsets turns sizes into per-segment start offsets.
func cumulativeOffsets(sizes []int64) []int64 {
	offsets := make([]int64, len(sizes))
	var sum int64
	for i, sz := range sizes {
		offsets[i] = sum
		sum += sz
	}
	return offsets
}

// segmentFor finds the segment containing the file offset by binary
// search over the cumulative offsets.
func segmentFor(offsets []int64, offset int64) int {
	lo, hi := 0, len(offsets)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if offsets[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
