package domain

// SegmentMeta is what the engine learns about one NNTP article: whether
// it exists and, once a body or head has been seen, the decoded part
// size and its byte offset within the assembled file. Immutable once
// learned.
type SegmentMeta struct {
	SegmentID  string
	PartSize   int64
	PartOffset int64
	Exists     bool
}

// HasSize reports whether the yEnc part header has been parsed for this
// segment yet.
func (m SegmentMeta) HasSize() bool {
	return m.PartSize > 0
}

// YencHeader is the subset of the =ybegin/=ypart lines the engine needs
// to place a segment's bytes: the decoded part length and where it
// starts within the whole file.
type YencHeader struct {
	FileName   string
	FileSize   int64
	PartNumber int
	PartSize   int64
	PartOffset int64
}

// Operation names used in dispatch traces and missing-article events.
const (
	OpStat = "STAT"
	OpHead = "HEAD"
	OpBody = "BODY"
	OpDate = "DATE"
)
