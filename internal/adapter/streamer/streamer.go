package streamer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/johoja12/nzbstream/internal/adapter/dispatch"
	"github.com/johoja12/nzbstream/internal/core/constants"
	"github.com/johoja12/nzbstream/internal/core/domain"
	"github.com/johoja12/nzbstream/pkg/pool"
)

// maxPooledBufferSize keeps oversized segment buffers out of the pool
// so one huge part cannot pin memory forever.
const maxPooledBufferSize = 2 * 1024 * 1024

var segmentBuffers = pool.NewLitePool(func() *bytes.Buffer {
	return new(bytes.Buffer)
})

func getBuffer() *bytes.Buffer {
	buf := segmentBuffers.Get()
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() <= maxPooledBufferSize {
		segmentBuffers.Put(buf)
	}
}

func releaseSlot(sl *slot) {
	putBuffer(sl.buf)
	sl.buf = nil
	sl.data = nil
}

// Options configures one stream over an ordered segment list.
type Options struct {
	SegmentIDs []string
	FileSize   int64
	FileName   string

	// Workers is K, the concurrent fetcher count.
	Workers int

	// BufferSize is B, the look-ahead window in segments. Defaults to
	// Workers * 5.
	BufferSize int

	// SegmentSizes, when fully known (length == len(SegmentIDs)),
	// skips size resolution. The final entry is recomputed against
	// FileSize.
	SegmentSizes []int64
}

// SegmentStream is an ordered, seekable byte stream assembled from NNTP
// segments by K concurrent fetchers with a bounded look-ahead window.
type SegmentStream struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	segmentIDs []string
	fileName   string
	fileSize   int64
	knownSizes []int64

	sizes   []int64
	offsets []int64

	uc     *domain.UsageContext
	ctx    context.Context
	cancel context.CancelFunc

	window *window
	wg     conc.WaitGroup

	mu     sync.Mutex
	pos    int64
	closed bool
}

var _ io.ReadSeekCloser = (*SegmentStream)(nil)

// OpenStream resolves segment sizes, then starts the fetchers and the
// straggler monitor. The stream stays valid until Close; cancelling ctx
// tears it down early.
func OpenStream(ctx context.Context, d *dispatch.Dispatcher, logger *slog.Logger, opts Options) (*SegmentStream, error) {
	if len(opts.SegmentIDs) == 0 {
		return nil, fmt.Errorf("open stream: no segments")
	}
	if opts.FileSize <= 0 {
		return nil, fmt.Errorf("open stream: file size must be positive")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = constants.DefaultConnectionsPerStream
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = workers * constants.BufferSizeMultiplier
	}
	if bufferSize < workers {
		bufferSize = workers
	}

	uc := domain.UsageFrom(ctx)
	uc.TotalSegments = int64(len(opts.SegmentIDs))
	uc.BufferWindow.Store(int64(bufferSize))

	s := &SegmentStream{
		dispatcher: d,
		logger:     logger.With("component", "streamer", "file", opts.FileName),
		segmentIDs: opts.SegmentIDs,
		fileName:   opts.FileName,
		fileSize:   opts.FileSize,
		knownSizes: opts.SegmentSizes,
		uc:         uc,
	}

	sizes, err := s.resolveSizes(ctx)
	if err != nil {
		return nil, err
	}
	s.sizes = sizes
	s.offsets = cumulativeOffsets(sizes)

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.window = newWindow(len(opts.SegmentIDs), bufferSize)

	for i := 0; i < workers; i++ {
		s.wg.Go(s.fetchLoop)
	}
	s.wg.Go(s.stragglerLoop)

	// Caller cancellation must unblock the reader and the fetchers,
	// which otherwise sleep on the window's condition variable.
	s.wg.Go(func() {
		<-s.ctx.Done()
		s.window.close()
	})

	return s, nil
}

// fetchLoop is one of K workers: claim the lowest unscheduled sequence
// in the window, fetch it with the balanced provider order, settle the
// slot.
func (s *SegmentStream) fetchLoop() {
	for {
		fctx, fcancel := context.WithCancel(s.ctx)
		fuc := s.uc.Clone()

		sl := s.window.awaitWork(s.ctx, fcancel, fuc)
		if sl == nil {
			fcancel()
			return
		}

		s.fetchInto(fctx, fuc, sl.seq)
	}
}

func (s *SegmentStream) fetchInto(ctx context.Context, fuc *domain.UsageContext, seq int) {
	buf := getBuffer()
	start := time.Now()

	hdr, err := s.dispatcher.DownloadSegment(
		domain.WithUsage(ctx, fuc), s.segmentIDs[seq], s.fileName, true, buf)
	elapsed := time.Since(start)

	if err == nil {
		if hdr.PartOffset > 0 && hdr.PartOffset != s.offsets[seq] {
			s.logger.Debug("segment offset disagrees with size table",
				"seq", seq, "header", hdr.PartOffset, "expected", s.offsets[seq])
		}
		if !s.window.complete(seq, buf, buf.Bytes(), 0, nil, elapsed) {
			putBuffer(buf)
		}
		s.uc.BufferedCount.Store(int64(s.window.readyCount()))
		return
	}

	putBuffer(buf)

	if domain.IsCanceled(err) || ctx.Err() != nil {
		// Seek, straggler rescue or shutdown pulled the plug; the
		// window already forgot this slot.
		return
	}

	if isPermanentMiss(err) {
		if !s.uc.DisableGracefulDegradation {
			s.logger.Warn("segment missing everywhere, zero-filling",
				"segment", s.segmentIDs[seq], "seq", seq, "size", s.sizes[seq])
			s.window.complete(seq, nil, nil, s.sizes[seq], nil, 0)
			return
		}
		s.window.complete(seq, nil, nil, 0, &domain.PermanentSegmentError{
			SegmentIndex: seq,
			Reason:       "article not found",
		}, 0)
		return
	}

	s.window.complete(seq, nil, nil, 0, err, 0)
}

// isPermanentMiss unwraps the dispatcher's exhaustion error down to the
// final per-provider failure.
func isPermanentMiss(err error) bool {
	if domain.IsPermanentMiss(err) {
		return true
	}
	var all *domain.AllProvidersFailedError
	return errors.As(err, &all) && domain.IsPermanentMiss(all.Last)
}

// stragglerLoop watches for fetches stuck past the soft deadline and
// fires one secondary fetch per straggler, excluding the slow provider.
// First settled result wins; complete() cancels the loser.
func (s *SegmentStream) stragglerLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		for _, sl := range s.window.stragglers(stragglerThreshold) {
			seq := sl.seq
			slowProvider := sl.fetchProvider()
			s.wg.Go(func() {
				s.secondaryFetch(seq, slowProvider)
			})
		}
	}
}

// stragglerThreshold: three times the rolling average fetch time,
// floored so cold averages do not fire rescues on healthy fetches.
func stragglerThreshold(avg time.Duration) time.Duration {
	t := constants.StragglerFactor * avg
	if t < constants.StragglerMinThreshold {
		t = constants.StragglerMinThreshold
	}
	return t
}

func (s *SegmentStream) secondaryFetch(seq int, slowProvider int) {
	sctx, scancel := context.WithCancel(s.ctx)
	defer scancel()

	if !s.window.attachSecondary(seq, scancel) {
		return
	}

	suc := s.uc.Clone()
	suc.MarkSecondary()
	if slowProvider != domain.NoProvider {
		suc.ExcludedProviderIndices = append(suc.ExcludedProviderIndices, slowProvider)
	}

	buf := getBuffer()
	start := time.Now()
	_, err := s.dispatcher.DownloadSegment(
		domain.WithUsage(sctx, suc), s.segmentIDs[seq], s.fileName, true, buf)
	if err != nil {
		// The primary is still racing; only it settles failures.
		putBuffer(buf)
		return
	}
	if !s.window.complete(seq, buf, buf.Bytes(), 0, nil, time.Since(start)) {
		putBuffer(buf)
	}
}

// Read emits bytes strictly in file order, blocking until the front
// slot settles. A failed front slot surfaces its error; everything
// before it has already been delivered.
func (s *SegmentStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		pos := s.pos
		s.mu.Unlock()

		if pos >= s.fileSize {
			return 0, io.EOF
		}

		sl, ok := s.window.front(s.ctx)
		if !ok {
			if err := s.ctx.Err(); err != nil {
				return 0, err
			}
			return 0, io.ErrClosedPipe
		}
		if sl == nil {
			return 0, io.EOF
		}
		if sl.state == slotFailed {
			return 0, sl.err
		}

		segStart := s.offsets[sl.seq]
		// Never emit past fileSize, even if the final part carries
		// padding.
		effective := sl.size()
		if segStart+effective > s.fileSize {
			effective = s.fileSize - segStart
		}

		segOff := pos - segStart
		if segOff >= effective {
			s.window.advance()
			continue
		}

		n := int64(len(p))
		if n > effective-segOff {
			n = effective - segOff
		}

		if sl.zeroFill > 0 {
			clear(p[:n])
		} else {
			copy(p, sl.data[segOff:segOff+n])
		}

		s.mu.Lock()
		s.pos = pos + n
		done := segOff+n >= effective
		s.mu.Unlock()

		if done {
			s.window.advance()
		}
		s.uc.BufferedCount.Store(int64(s.window.readyCount()))
		return int(n), nil
	}
}

// Seek repositions the reader. Completed slots inside the new window
// are reused; fetches outside it are cancelled.
func (s *SegmentStream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		target = s.fileSize + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("seek: negative position %d", target)
	}
	if target > s.fileSize {
		target = s.fileSize
	}
	if target == s.pos {
		return target, nil
	}

	var targetSeq int
	if target >= s.fileSize {
		targetSeq = len(s.segmentIDs)
	} else {
		targetSeq = segmentFor(s.offsets, target)
	}

	s.window.seekTo(targetSeq)
	s.pos = target
	return target, nil
}

// Size returns the stream length.
func (s *SegmentStream) Size() int64 {
	return s.fileSize
}

// Close is idempotent: it cancels outstanding fetches and lets
// connection cleanup finish in the background.
func (s *SegmentStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.window.close()
	s.wg.Wait()
	return nil
}
