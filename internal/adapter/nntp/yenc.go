package nntp

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/johoja12/nzbstream/internal/core/domain"
)

// yEnc framing: an article body opens with "=ybegin", multi-part
// articles follow with "=ypart begin=... end=...", payload lines are
// escaped single-byte encoded data, and "=yend" closes the stream.
// The part header is the only place the engine can learn a segment's
// byte range within the assembled file.

const (
	yencOffset       = 42
	yencEscapeOffset = 64
)

// parseYencHeader consumes lines from r until the =ybegin (and, for
// multi-part articles, =ypart) metadata has been read. It tolerates a
// few leading non-yEnc lines (some posts carry stray headers).
func parseYencHeader(segmentID string, r *bufio.Reader) (domain.YencHeader, error) {
	var hdr domain.YencHeader

	const maxLeadingJunk = 12
	var beginLine string
	for i := 0; ; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			return hdr, &domain.SegmentSizeUnknownError{SegmentID: segmentID, Reason: "no =ybegin header before end of article"}
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(trimmed, "=ybegin ") {
			beginLine = trimmed
			break
		}
		if i >= maxLeadingJunk {
			return hdr, &domain.SegmentSizeUnknownError{SegmentID: segmentID, Reason: "article does not look like yEnc"}
		}
	}

	fields := parseYencFields(beginLine)
	hdr.FileName = fields["name"]
	hdr.FileSize = parseYencInt(fields["size"])
	hdr.PartNumber = int(parseYencInt(fields["part"]))

	if hdr.PartNumber > 0 {
		partLine, err := r.ReadString('\n')
		if err != nil {
			return hdr, &domain.SegmentSizeUnknownError{SegmentID: segmentID, Reason: "missing =ypart header"}
		}
		trimmed := strings.TrimRight(partLine, "\r\n")
		if !strings.HasPrefix(trimmed, "=ypart ") {
			return hdr, &domain.SegmentSizeUnknownError{SegmentID: segmentID, Reason: "expected =ypart after =ybegin"}
		}
		partFields := parseYencFields(trimmed)
		begin := parseYencInt(partFields["begin"])
		end := parseYencInt(partFields["end"])
		if begin <= 0 || end < begin {
			return hdr, &domain.SegmentSizeUnknownError{SegmentID: segmentID, Reason: "invalid =ypart range"}
		}
		hdr.PartOffset = begin - 1
		hdr.PartSize = end - begin + 1
	} else {
		// Single-part post: the whole file is this article.
		if hdr.FileSize <= 0 {
			return hdr, &domain.SegmentSizeUnknownError{SegmentID: segmentID, Reason: "missing size in =ybegin"}
		}
		hdr.PartOffset = 0
		hdr.PartSize = hdr.FileSize
	}

	return hdr, nil
}

// parseYencFields splits a "=ybegin ..."/"=ypart ..." line into its
// key=value pairs. The name field is always last and may contain
// spaces, so it is cut out before tokenising.
func parseYencFields(line string) map[string]string {
	fields := make(map[string]string, 6)

	if idx := strings.Index(line, " name="); idx >= 0 {
		fields["name"] = line[idx+len(" name="):]
		line = line[:idx]
	}

	for _, tok := range strings.Fields(line) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok || k == "" {
			continue
		}
		fields[k] = v
	}
	return fields
}

func parseYencInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// yencDecoder streams decoded payload bytes from the escaped line
// format, stopping at =yend. After the trailer it drains r to EOF so
// the underlying dot-reader reaches the article terminator.
type yencDecoder struct {
	r       *bufio.Reader
	pending bytes.Buffer
	done    bool
	sawEnd  bool
}

func newYencDecoder(r *bufio.Reader) *yencDecoder {
	return &yencDecoder{r: r}
}

func (d *yencDecoder) Read(p []byte) (int, error) {
	for d.pending.Len() == 0 && !d.done {
		if err := d.decodeLine(); err != nil {
			return 0, err
		}
	}
	if d.pending.Len() > 0 {
		return d.pending.Read(p)
	}
	return 0, io.EOF
}

func (d *yencDecoder) decodeLine() error {
	line, err := d.r.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		// Article ended without a =yend trailer: corrupt post.
		d.done = true
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	trimmed := bytes.TrimRight(line, "\r\n")
	if bytes.HasPrefix(trimmed, []byte("=yend")) {
		d.done = true
		d.sawEnd = true
		// Consume whatever trails the =yend line so the dot-reader
		// sees its terminator and the connection is clean.
		_, _ = io.Copy(io.Discard, d.r)
		return nil
	}

	for i := 0; i < len(trimmed); i++ {
		b := trimmed[i]
		if b == '=' {
			i++
			if i >= len(trimmed) {
				break
			}
			d.pending.WriteByte(trimmed[i] - yencEscapeOffset - yencOffset)
			continue
		}
		d.pending.WriteByte(b - yencOffset)
	}

	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Drained reports whether the decoder consumed the article through the
// =yend trailer.
func (d *yencDecoder) Drained() bool {
	return d.sawEnd && d.pending.Len() == 0
}
