package nntp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/johoja12/nzbstream/internal/core/domain"
	"github.com/johoja12/nzbstream/internal/core/ports"
)

// NNTP response codes the engine cares about.
const (
	codeGreeting       = 200
	codeGreetingNoPost = 201
	codeAuthAccepted   = 281
	codeMorePassword   = 381
	codeArticle        = 220
	codeHead           = 221
	codeBody           = 222
	codeStat           = 223
	codeGroupSelected  = 211
	codeDate           = 111
	codeNoArticle      = 430
	codeNoArticleNum   = 423
	codeAuthRequired   = 480
)

// Conn is one authenticated NNTP connection. Not safe for concurrent
// use; the pool guarantees single ownership through leases.
type Conn struct {
	provider *domain.Provider
	netConn  net.Conn
	text     *textproto.Conn

	mu          sync.Mutex
	state       domain.ConnectionState
	dirtyReason string
	busy        bool
	quietCh     chan struct{}
}

var _ ports.TransportConn = (*Conn)(nil)

// Dial opens a TCP(+TLS) connection, reads the greeting and
// authenticates. It satisfies ports.TransportDialer.
func Dial(ctx context.Context, p *domain.Provider) (ports.TransportConn, error) {
	dialer := &net.Dialer{}
	addr := fmt.Sprintf("%s:%d", p.Host, p.Port)

	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &domain.ConnectError{Host: p.Name(), Err: err}
	}

	if p.TLS {
		tlsConn := tls.Client(raw, &tls.Config{ServerName: p.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, &domain.ConnectError{Host: p.Name(), Err: err}
		}
		raw = tlsConn
	}

	c := &Conn{
		provider: p,
		netConn:  raw,
		text:     textproto.NewConn(raw),
		state:    domain.ConnUnconnected,
	}

	release := c.watch(ctx)
	defer release()

	code, line, err := c.text.ReadCodeLine(0)
	if err != nil {
		_ = raw.Close()
		return nil, &domain.ConnectError{Host: p.Name(), Err: err}
	}
	if code != codeGreeting && code != codeGreetingNoPost {
		_ = raw.Close()
		return nil, &domain.ConnectError{Host: p.Name(), Err: &domain.ProtocolError{Code: code, Line: line}}
	}

	if err := c.authenticate(); err != nil {
		_ = raw.Close()
		return nil, err
	}

	c.mu.Lock()
	c.state = domain.ConnIdle
	c.mu.Unlock()
	return c, nil
}

func (c *Conn) authenticate() error {
	if c.provider.Username == "" {
		return nil
	}

	if err := c.text.PrintfLine("AUTHINFO USER %s", c.provider.Username); err != nil {
		return &domain.ConnectError{Host: c.provider.Name(), Err: err}
	}
	code, line, err := c.text.ReadCodeLine(0)
	if err != nil {
		return &domain.ConnectError{Host: c.provider.Name(), Err: err}
	}
	if code == codeAuthAccepted {
		return nil
	}
	if code != codeMorePassword {
		return &domain.AuthError{Host: c.provider.Name(), Err: &domain.ProtocolError{Code: code, Line: line}}
	}

	if err := c.text.PrintfLine("AUTHINFO PASS %s", c.provider.Password); err != nil {
		return &domain.ConnectError{Host: c.provider.Name(), Err: err}
	}
	code, line, err = c.text.ReadCodeLine(0)
	if err != nil {
		return &domain.ConnectError{Host: c.provider.Name(), Err: err}
	}
	if code != codeAuthAccepted {
		return &domain.AuthError{Host: c.provider.Name(), Err: &domain.ProtocolError{Code: code, Line: line}}
	}
	return nil
}

// watch arms a cancellation watchdog: when ctx fires, the socket
// deadline is yanked so any blocked read returns. The returned release
// must be called before the operation's result is interpreted.
func (c *Conn) watch(ctx context.Context) func() {
	if ctx == nil || ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.MarkDirty("canceled mid-operation")
			_ = c.netConn.SetDeadline(time.Now().Add(-time.Second))
		case <-stop:
		}
	}()
	return func() {
		close(stop)
		_ = c.netConn.SetDeadline(time.Time{})
	}
}

func (c *Conn) checkUsable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case domain.ConnIdle, domain.ConnInUse:
		if c.busy {
			return &domain.ConnectionDirtyError{Reason: "previous body not drained"}
		}
		return nil
	default:
		return &domain.ConnectionDirtyError{Reason: c.dirtyReason}
	}
}

// cmd sends one command line and reads the status response. Any
// transport-level failure dirties the connection.
func (c *Conn) cmd(ctx context.Context, format string, args ...any) (int, string, error) {
	if err := c.checkUsable(); err != nil {
		return 0, "", err
	}
	// Nothing sent yet: a pre-cancelled context costs nothing and the
	// connection stays clean.
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}

	release := c.watch(ctx)
	defer release()

	if err := c.text.PrintfLine(format, args...); err != nil {
		c.MarkDirty("write failed")
		return 0, "", err
	}
	code, line, err := c.text.ReadCodeLine(0)
	if err != nil {
		c.MarkDirty("read failed")
		return 0, "", err
	}
	return code, line, nil
}

// Stat checks article existence without consuming a response body.
func (c *Conn) Stat(ctx context.Context, segmentID string) (bool, error) {
	code, line, err := c.cmd(ctx, "STAT %s", canonicalMessageID(segmentID))
	if err != nil {
		return false, err
	}
	switch code {
	case codeStat:
		return true, nil
	case codeNoArticle, codeNoArticleNum:
		return false, nil
	default:
		return false, &domain.ProtocolError{Code: code, Line: line}
	}
}

// Head fetches article headers into a map.
func (c *Conn) Head(ctx context.Context, segmentID string) (map[string]string, error) {
	code, line, err := c.cmd(ctx, "HEAD %s", canonicalMessageID(segmentID))
	if err != nil {
		return nil, err
	}
	switch code {
	case codeHead:
	case codeNoArticle, codeNoArticleNum:
		return nil, &domain.ArticleNotFoundError{SegmentID: segmentID, Provider: c.provider.Name(), Operation: domain.OpHead}
	default:
		return nil, &domain.ProtocolError{Code: code, Line: line}
	}

	release := c.watch(ctx)
	defer release()

	headers := make(map[string]string, 16)
	dot := bufio.NewReader(c.text.DotReader())
	for {
		hline, rerr := dot.ReadString('\n')
		if hline != "" {
			trimmed := strings.TrimRight(hline, "\r\n")
			if k, v, ok := strings.Cut(trimmed, ":"); ok {
				headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				c.MarkDirty("head read failed")
				return nil, rerr
			}
			break
		}
	}
	return headers, nil
}

// Body fetches the article body. The yEnc part header is parsed before
// Body returns; the caller receives a decoded stream that must be read
// to EOF (or Closed, which dirties the connection).
func (c *Conn) Body(ctx context.Context, segmentID string, includeHeaders bool) (*ports.BodyReader, error) {
	verb := "BODY"
	if includeHeaders {
		verb = "ARTICLE"
	}
	code, line, err := c.cmd(ctx, "%s %s", verb, canonicalMessageID(segmentID))
	if err != nil {
		return nil, err
	}
	switch {
	case verb == "BODY" && code == codeBody:
	case verb == "ARTICLE" && code == codeArticle:
	case code == codeNoArticle || code == codeNoArticleNum:
		return nil, &domain.ArticleNotFoundError{SegmentID: segmentID, Provider: c.provider.Name(), Operation: domain.OpBody}
	default:
		return nil, &domain.ProtocolError{Code: code, Line: line}
	}

	release := c.watch(ctx)

	dot := bufio.NewReader(c.text.DotReader())

	var articleHeaders map[string]string
	if includeHeaders {
		articleHeaders = readArticleHeaders(dot)
	}

	hdr, err := parseYencHeader(segmentID, dot)
	if err != nil {
		release()
		c.MarkDirty("yenc header parse failed")
		return nil, err
	}

	c.mu.Lock()
	c.busy = true
	c.quietCh = make(chan struct{})
	c.mu.Unlock()

	stream := &bodyStream{
		conn:    c,
		decoder: newYencDecoder(dot),
		release: release,
	}
	return &ports.BodyReader{Header: hdr, Headers: articleHeaders, Body: stream}, nil
}

// readArticleHeaders consumes the header block of an ARTICLE response
// up to the blank separator line.
func readArticleHeaders(r *bufio.Reader) map[string]string {
	headers := make(map[string]string, 16)
	for {
		hline, err := r.ReadString('\n')
		trimmed := strings.TrimRight(hline, "\r\n")
		if trimmed == "" {
			return headers
		}
		if k, v, ok := strings.Cut(trimmed, ":"); ok {
			headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		if err != nil {
			return headers
		}
	}
}

// Date runs the cheapest server round-trip; used as a latency probe.
func (c *Conn) Date(ctx context.Context) (time.Time, error) {
	code, line, err := c.cmd(ctx, "DATE")
	if err != nil {
		return time.Time{}, err
	}
	if code != codeDate {
		return time.Time{}, &domain.ProtocolError{Code: code, Line: line}
	}
	stamp := strings.TrimSpace(line)
	t, perr := time.Parse("20060102150405", stamp)
	if perr != nil {
		// Some servers prefix the timestamp with text.
		parts := strings.Fields(stamp)
		if len(parts) > 0 {
			if t2, err2 := time.Parse("20060102150405", parts[len(parts)-1]); err2 == nil {
				return t2, nil
			}
		}
		return time.Time{}, &domain.ProtocolError{Code: code, Line: line}
	}
	return t, nil
}

// Group selects a newsgroup.
func (c *Conn) Group(ctx context.Context, name string) error {
	code, line, err := c.cmd(ctx, "GROUP %s", name)
	if err != nil {
		return err
	}
	if code != codeGroupSelected {
		return &domain.ProtocolError{Code: code, Line: line}
	}
	return nil
}

// DownloadArticleBody selects a group then fetches a body by article
// id. Used for opportunistic health pings against group-indexed
// providers.
func (c *Conn) DownloadArticleBody(ctx context.Context, group, articleID string) (*ports.BodyReader, error) {
	if err := c.Group(ctx, group); err != nil {
		return nil, err
	}
	return c.Body(ctx, articleID, false)
}

// AwaitQuiet blocks until any outstanding body has drained, or ctx
// expires. A non-nil return means the connection must be replaced.
func (c *Conn) AwaitQuiet(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.ConnDirty || c.state == domain.ConnClosed {
		reason := c.dirtyReason
		c.mu.Unlock()
		return &domain.ConnectionDirtyError{Reason: reason}
	}
	if !c.busy {
		c.mu.Unlock()
		return nil
	}
	quietCh := c.quietCh
	c.mu.Unlock()

	select {
	case <-quietCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == domain.ConnDirty || c.state == domain.ConnClosed {
			return &domain.ConnectionDirtyError{Reason: c.dirtyReason}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) MarkDirty(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.ConnDirty || c.state == domain.ConnClosed {
		return
	}
	c.state = domain.ConnDirty
	c.dirtyReason = reason
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == domain.ConnClosed {
		c.mu.Unlock()
		return nil
	}
	wasClean := c.state == domain.ConnIdle && !c.busy
	c.state = domain.ConnClosed
	c.mu.Unlock()

	if wasClean {
		// Best-effort polite goodbye; ignore the response.
		_ = c.netConn.SetDeadline(time.Now().Add(time.Second))
		_ = c.text.PrintfLine("QUIT")
	}
	return c.netConn.Close()
}

// markQuiet flips the connection back to reusable once a body stream
// has fully drained.
func (c *Conn) markQuiet() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busy {
		return
	}
	c.busy = false
	if c.quietCh != nil {
		close(c.quietCh)
		c.quietCh = nil
	}
}

// bodyStream adapts the yEnc decoder into the io.ReadCloser handed to
// callers, tying its lifecycle to the connection's quiet state.
type bodyStream struct {
	conn     *Conn
	decoder  *yencDecoder
	release  func()
	closed   bool
	finished bool
	mu       sync.Mutex
}

func (s *bodyStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, &domain.ConnectionDirtyError{Reason: "body stream closed"}
	}
	s.mu.Unlock()

	n, err := s.decoder.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) && s.decoder.Drained() {
			s.mu.Lock()
			if !s.finished {
				s.finished = true
				s.release()
				s.conn.markQuiet()
			}
			s.mu.Unlock()
		} else {
			s.conn.MarkDirty("body read failed")
			s.mu.Lock()
			if !s.finished {
				s.finished = true
				s.release()
				s.conn.markQuiet()
			}
			s.mu.Unlock()
		}
	}
	return n, err
}

// Close before EOF dirties the connection: the transport still carries
// undrained article bytes.
func (s *bodyStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	finished := s.finished
	if !s.finished {
		s.finished = true
	}
	s.mu.Unlock()

	if !finished {
		if !s.decoder.Drained() {
			s.conn.MarkDirty("body stream closed before drain")
		}
		s.release()
		s.conn.markQuiet()
	}
	return nil
}

func canonicalMessageID(id string) string {
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
