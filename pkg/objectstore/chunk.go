package objectstore

import (
	"encoding/binary"

	"github.com/pageledger/ledger/pkg/types"
)

// MaxInlineSize is the default maximum size of a piece stored inline before
// it must be split into a chunked blob (approximately 64 KiB).
const MaxInlineSize = 64 * 1024

// minChunkSize keeps the content-defined chunker from cutting chunks shorter
// than 4 KiB (only the final chunk may be shorter); avgChunkSize sets the
// boundary mask. There is no maximum chunk size: input in which no boundary
// matches (all-zero runs, etc.) stays one chunk.
const (
	minChunkSize = 4 * 1024
	avgChunkSize = 16 * 1024
	chunkMask    = avgChunkSize - 1 // power-of-two average, boundary test is (hash & mask) == 0
)

// pageSeed derives a 64-bit per-page keyed permutation constant from a page
// id, so that two pages holding byte-identical values produce different
// chunk boundaries and a fingerprinting attacker can't probe chunk
// boundaries across pages.
func pageSeed(page types.PageID) uint64 {
	var seed uint64
	for i := 0; i < len(page); i += 8 {
		var b [8]byte
		n := copy(b[:], page[i:])
		_ = n
		seed ^= binary.LittleEndian.Uint64(b[:])
	}
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15 // avoid an all-zero permutation constant
	}
	return seed
}

// rollingBoundaries returns the byte offsets (relative to start of data) at
// which a content-defined chunker would cut, using a Rabin-style polynomial
// rolling checksum keyed by seed.
func rollingBoundaries(data []byte, seed uint64) []int {
	if len(data) <= minChunkSize {
		return nil
	}
	var bounds []int
	var hash uint64
	windowStart := 0
	for i, b := range data {
		hash = (hash*1099511628211 + seed) ^ uint64(b)
		if i-windowStart+1 < minChunkSize {
			continue
		}
		if hash&chunkMask == 0 {
			bounds = append(bounds, i+1)
			windowStart = i + 1
			hash = 0
		}
	}
	return bounds
}

// splitContent splits data into content-defined chunks using the page's
// keyed permutation. Returns nil if data fits in a single inline piece.
func splitContent(data []byte, page types.PageID) [][]byte {
	if len(data) <= MaxInlineSize {
		return nil
	}
	seed := pageSeed(page)
	bounds := rollingBoundaries(data, seed)
	var chunks [][]byte
	start := 0
	for _, b := range bounds {
		chunks = append(chunks, data[start:b])
		start = b
	}
	if start < len(data) {
		chunks = append(chunks, data[start:])
	}
	return chunks
}

// encodeChunkedRoot encodes the ordered list of child digests that make up a
// chunked blob root. Recomposition is a depth-first concatenation of the
// children's contents.
func encodeChunkedRoot(children []types.Digest) []byte {
	buf := make([]byte, 0, 4+len(children)*(1+types.DigestSize))
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(children)))
	buf = append(buf, lenBytes[:]...)
	for _, c := range children {
		buf = append(buf, c.Key()...)
	}
	return buf
}

func decodeChunkedRoot(body []byte) ([]types.Digest, bool) {
	if len(body) < 4 {
		return nil, false
	}
	count := binary.BigEndian.Uint32(body[:4])
	body = body[4:]
	entrySize := 1 + types.DigestSize
	if uint64(len(body)) != uint64(count)*uint64(entrySize) {
		return nil, false
	}
	digests := make([]types.Digest, 0, count)
	for i := uint32(0); i < count; i++ {
		d, ok := types.DigestFromKey(body[int(i)*entrySize : int(i+1)*entrySize])
		if !ok {
			return nil, false
		}
		digests = append(digests, d)
	}
	return digests, true
}
