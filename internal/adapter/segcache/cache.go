package segcache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/johoja12/nzbstream/internal/core/constants"
	"github.com/johoja12/nzbstream/internal/core/domain"
)

// Cache is a bounded LRU of segment metadata: the exists bit learned
// from STAT or a body read, and the yEnc part size/offset once a header
// has been parsed. Writes are idempotent and merges never lose a known
// size; eviction is independent of any live stream (streamers keep
// their own copies).
type Cache struct {
	entries *lru.Cache[string, domain.SegmentMeta]
}

func New(size int) (*Cache, error) {
	if size <= 0 {
		size = constants.SegmentCacheSize
	}
	entries, err := lru.New[string, domain.SegmentMeta](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

func (c *Cache) Get(segmentID string) (domain.SegmentMeta, bool) {
	return c.entries.Get(segmentID)
}

// PutExists records existence without touching any known size.
func (c *Cache) PutExists(segmentID string, exists bool) {
	meta, ok := c.entries.Get(segmentID)
	if !ok {
		meta = domain.SegmentMeta{SegmentID: segmentID}
	}
	meta.Exists = exists
	c.entries.Add(segmentID, meta)
}

// PutHeader records the parsed yEnc extent for a segment. Implies
// existence.
func (c *Cache) PutHeader(segmentID string, partSize, partOffset int64) {
	c.entries.Add(segmentID, domain.SegmentMeta{
		SegmentID:  segmentID,
		PartSize:   partSize,
		PartOffset: partOffset,
		Exists:     true,
	})
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) Purge() {
	c.entries.Purge()
}
