package id

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable identifier encoded as 16 bytes
// big-endian: [8 bytes ms_timestamp][4 bytes node tag][4 bytes sequence].
//
// The node tag is drawn randomly per Generator so that independent processes
// enqueueing into the same store cannot collide. Ordering across processes
// within the same millisecond is arbitrary; per process it is monotonic.
type ID [16]byte

// String returns a 32-char lowercase hex string. Hex preserves byte order, so
// string comparison of two encoded IDs matches ID.Compare.
func (i ID) String() string { return fmtHex(i[:]) }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// Ms returns the embedded millisecond timestamp.
func (i ID) Ms() int64 { return int64(binary.BigEndian.Uint64(i[0:8])) }

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != 32 {
		return id, fmt.Errorf("id must be 32 hex chars, got %d", len(s))
	}
	for idx := 0; idx < 16; idx++ {
		hi, ok1 := unhex(s[idx*2])
		lo, ok2 := unhex(s[idx*2+1])
		if !ok1 || !ok2 {
			return id, fmt.Errorf("id has non-hex char at %d", idx*2)
		}
		id[idx] = hi<<4 | lo
	}
	return id, nil
}

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	node     [4]byte
	lastMs   int64
	sequence uint32
}

// NewGenerator creates a Generator with a fresh random node tag.
func NewGenerator() *Generator {
	g := &Generator{}
	if _, err := rand.Read(g.node[:]); err != nil {
		// Fall back to the clock; uniqueness then rests on the sequence.
		binary.BigEndian.PutUint32(g.node[:], uint32(time.Now().UnixNano()))
	}
	return g
}

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. If the clock goes backwards, it reuses lastMs and
// keeps incrementing the sequence. If the sequence overflows within one
// millisecond, it waits for the next one.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint32 {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms

	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	copy(id[8:12], g.node[:])
	binary.BigEndian.PutUint32(id[12:16], g.sequence)
	return id
}

// NextString is shorthand for Next().String().
func (g *Generator) NextString() string { return g.Next().String() }

// fmtHex is a small, allocation-lean hex encoder for fixed-size IDs.
func fmtHex(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}
