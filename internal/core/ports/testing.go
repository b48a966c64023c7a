package ports

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johoja12/nzbstream/internal/core/domain"
)

// MockServer is an in-memory provider backend for tests: its Dialer
// hands out MockConns that serve articles straight from a map. It is a
// bit sketchy compared to a real NNTP exchange, but it lets the pool,
// dispatcher and streamer be exercised without sockets.
type MockServer struct {
	mu       sync.Mutex
	articles map[string]*MockArticle

	DialErr   error
	DialDelay time.Duration

	dialCount atomic.Int64
	statCount atomic.Int64
	bodyCount atomic.Int64
}

// MockArticle is one fake segment.
type MockArticle struct {
	Data   []byte
	Offset int64

	Missing bool
	Delay   time.Duration
	BodyErr error

	// FailFirst makes the first N body attempts fail transiently, for
	// retry-path tests.
	FailFirst int
}

func NewMockServer() *MockServer {
	return &MockServer{articles: make(map[string]*MockArticle)}
}

func (s *MockServer) AddArticle(id string, a *MockArticle) {
	s.mu.Lock()
	s.articles[id] = a
	s.mu.Unlock()
}

func (s *MockServer) article(id string) *MockArticle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.articles[id]
}

func (s *MockServer) DialCount() int64 { return s.dialCount.Load() }
func (s *MockServer) StatCount() int64 { return s.statCount.Load() }
func (s *MockServer) BodyCount() int64 { return s.bodyCount.Load() }

// Dialer satisfies TransportDialer against this server.
func (s *MockServer) Dialer() TransportDialer {
	return func(ctx context.Context, p *domain.Provider) (TransportConn, error) {
		if s.DialDelay > 0 {
			select {
			case <-time.After(s.DialDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if s.DialErr != nil {
			return nil, s.DialErr
		}
		s.dialCount.Add(1)
		return &MockConn{server: s, provider: p, state: domain.ConnIdle}, nil
	}
}

// MockConn implements TransportConn over a MockServer.
type MockConn struct {
	server   *MockServer
	provider *domain.Provider

	mu    sync.Mutex
	state domain.ConnectionState
}

var _ TransportConn = (*MockConn)(nil)

func (c *MockConn) Stat(ctx context.Context, segmentID string) (bool, error) {
	c.server.statCount.Add(1)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a := c.server.article(segmentID)
	return a != nil && !a.Missing, nil
}

func (c *MockConn) Head(ctx context.Context, segmentID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := c.server.article(segmentID)
	if a == nil || a.Missing {
		return nil, &domain.ArticleNotFoundError{SegmentID: segmentID, Provider: c.provider.Name(), Operation: domain.OpHead}
	}
	return map[string]string{"Message-ID": segmentID}, nil
}

func (c *MockConn) Body(ctx context.Context, segmentID string, includeHeaders bool) (*BodyReader, error) {
	c.server.bodyCount.Add(1)
	a := c.server.article(segmentID)
	if a == nil || a.Missing {
		return nil, &domain.ArticleNotFoundError{SegmentID: segmentID, Provider: c.provider.Name(), Operation: domain.OpBody}
	}
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			c.MarkDirty("canceled mid-body")
			return nil, ctx.Err()
		}
	}
	c.server.mu.Lock()
	if a.FailFirst > 0 {
		a.FailFirst--
		c.server.mu.Unlock()
		c.MarkDirty("simulated transient fault")
		return nil, &domain.RetryableError{Err: errors.New("simulated transient fault")}
	}
	c.server.mu.Unlock()
	if a.BodyErr != nil {
		c.MarkDirty(a.BodyErr.Error())
		return nil, a.BodyErr
	}

	hdr := domain.YencHeader{
		PartSize:   int64(len(a.Data)),
		PartOffset: a.Offset,
	}
	var headers map[string]string
	if includeHeaders {
		headers = map[string]string{"Message-ID": segmentID}
	}
	return &BodyReader{
		Header:  hdr,
		Headers: headers,
		Body:    io.NopCloser(bytes.NewReader(a.Data)),
	}, nil
}

func (c *MockConn) Date(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return time.Now(), nil
}

func (c *MockConn) Group(ctx context.Context, name string) error {
	return ctx.Err()
}

func (c *MockConn) DownloadArticleBody(ctx context.Context, group, articleID string) (*BodyReader, error) {
	return c.Body(ctx, articleID, false)
}

func (c *MockConn) AwaitQuiet(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.ConnDirty || c.state == domain.ConnClosed {
		return &domain.ConnectionDirtyError{Reason: "mock dirty"}
	}
	return nil
}

func (c *MockConn) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MockConn) MarkDirty(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.ConnClosed {
		c.state = domain.ConnDirty
	}
}

func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = domain.ConnClosed
	return nil
}
