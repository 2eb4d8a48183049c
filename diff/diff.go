// Package diff compresses the delta between two canonical RGB565
// framebuffers into a compact stream of horizontal write-runs, and lets an
// uploader read that stream back one run at a time while racing a panel's
// scanout.
package diff

import (
	"math"
	"time"

	"ili9341fb.dev/image/rgb565"
)

// Rotation selects the traversal order used to scan the new framebuffer
// against the (always canonical) old one. The old framebuffer is never
// itself stored pre-rotated: rotation is purely a scan-order policy.
type Rotation uint8

const (
	Rotation0 Rotation = iota
	Rotation90
	Rotation180
	Rotation270
)

func (r Rotation) valid() bool { return r <= Rotation270 }

// Reader is the consumer interface shared by Buffer and Dummy: a cursor
// that yields write-runs in insertion order, pacing itself against the
// caller-supplied current scanline.
type Reader interface {
	InitRead()
	Read(scanline int) (x, y, length, r int)
}

const (
	numPixels = rgb565.NumPixels
	lineWidth = rgb565.Width

	// MaxWriteLines bounds how many canonical rows a single run may span
	// when paced against the scanline during Read, keeping per-read work
	// bounded.
	MaxWriteLines = 120
	// MinScanlineSpace is the minimum number of rows of slack demanded
	// between the row about to be written and the current scanline.
	MinScanlineSpace = 8
)

// varint tags occupying the top of the 22-bit value space a 3-byte encoded
// word can hold.
const (
	tagEnd      = 0x400000 - 1
	tagWriteAll = 0x400000 - 2
	maxEncoded  = 0x400000 - 3
)

// Stats holds running statistics about computed diffs, the same
// bookkeeping the original ILI9341_T4 DiffBuff keeps to size a diff buffer
// and its gap parameter.
type Stats struct {
	Computed    uint32
	Overflowed  uint32
	Size        RunningStat
	ComputeTime RunningStat
}

// OverflowRatio returns the fraction, in [0,1], of computed diffs that
// overflowed their backing buffer.
func (s Stats) OverflowRatio() float64 {
	if s.Computed == 0 {
		return 0
	}
	return float64(s.Overflowed) / float64(s.Computed)
}

// RunningStat accumulates count/min/max/mean/variance without retaining
// samples, mirroring StatsVar from the original library.
type RunningStat struct {
	n          uint32
	min, max   float64
	mean, m2   float64
}

func (s *RunningStat) Push(v float64) {
	if s.n == 0 {
		s.min, s.max = v, v
	} else {
		if v < s.min {
			s.min = v
		}
		if v > s.max {
			s.max = v
		}
	}
	s.n++
	delta := v - s.mean
	s.mean += delta / float64(s.n)
	s.m2 += delta * (v - s.mean)
}

func (s *RunningStat) Reset() { *s = RunningStat{} }

func (s RunningStat) Count() uint32 { return s.n }
func (s RunningStat) Min() float64  { return s.min }
func (s RunningStat) Max() float64  { return s.max }
func (s RunningStat) Mean() float64 { return s.mean }
func (s RunningStat) Variance() float64 {
	if s.n < 2 {
		return 0
	}
	return s.m2 / float64(s.n-1)
}
func (s RunningStat) StdDev() float64 { return math.Sqrt(s.Variance()) }

// Buffer is a diff producer/consumer over user-supplied byte storage. Each
// call to Compute overwrites whatever diff was previously held. Buffer is
// not safe for concurrent use; the coordinator (panel package) is
// responsible for only ever having one reader/writer active at a time.
type Buffer struct {
	buf []byte

	posW int
	posR int

	rX, rY, rLen int
	rValid       bool
	off          int

	stats Stats
}

// NewBuffer wraps buf (its full capacity is used as diff storage) as a
// diff.Buffer. buf should not be too small: a few hundred bytes is the
// practical floor, a few KiB is comfortable for typical UI deltas.
func NewBuffer(buf []byte) *Buffer {
	b := &Buffer{buf: buf}
	b.posW = 0
	b.InitRead()
	return b
}

// Stats returns the accumulated statistics since the last StatsReset.
func (b *Buffer) Stats() Stats { return b.stats }

// StatsReset clears accumulated statistics.
func (b *Buffer) StatsReset() { b.stats = Stats{} }

// Size reports the number of bytes the most recent Compute wrote, never
// more than the buffer capacity.
func (b *Buffer) Size() int {
	if b.posW >= len(b.buf) {
		return len(b.buf)
	}
	return b.posW
}

func (b *Buffer) writeEncoded(v uint32) {
	switch {
	case v <= 127:
		b.buf[b.posW] = byte(v << 1)
		b.posW++
	case v <= 16383:
		b.buf[b.posW] = byte((v&63)<<2) | 1
		b.buf[b.posW+1] = byte(v >> 6)
		b.posW += 2
	default:
		b.buf[b.posW] = byte((v&63)<<2) | 3
		b.buf[b.posW+1] = byte(v >> 6)
		b.buf[b.posW+2] = byte(v >> 14)
		b.posW += 3
	}
}

func (b *Buffer) readEncoded() uint32 {
	first := b.buf[b.posR]
	b.posR++
	switch first & 3 {
	case 1:
		v := uint32(first >> 2)
		v |= uint32(b.buf[b.posR]) << 6
		b.posR++
		return v
	case 3:
		v := uint32(first >> 2)
		v |= uint32(b.buf[b.posR]) << 6
		b.posR++
		v |= uint32(b.buf[b.posR]) << 14
		b.posR++
		return v
	default:
		return uint32(first >> 1)
	}
}

// encodedSize is the worst case byte cost of one write+skip chunk, used to
// decide if there is still room before an encode.
const encodedSize = 6 // two 3-byte values

// writeChunk appends a (write nbwrite pixels, then skip nbskip pixels)
// instruction. It returns false if the buffer ran out of room, in which
// case the caller must stop scanning: a tagWriteAll sentinel has already
// been appended so that the remaining, unscanned pixels degrade to one
// trailing full-coverage run on read.
func (b *Buffer) writeChunk(nbwrite, nbskip uint32) bool {
	// Three bytes stay reserved so that the 3-byte sentinel always fits.
	if b.posW+encodedSize+3 > len(b.buf) {
		if b.posW+3 <= len(b.buf) {
			b.writeEncoded(tagWriteAll)
		}
		return false
	}
	b.writeEncoded(nbwrite)
	b.writeEncoded(nbskip)
	return true
}

// Compute scans old and new under rotation and overwrites the diff with the
// minimal sequence of write-runs that would bring old up to new, modulo
// compareMask. If copyNewOverOld is true, old is simultaneously rewritten
// to equal new (under rotation), so the caller gets "diff + prepare the
// next mirror" in a single pass.
//
// Compute always produces a valid, readable diff, even when old or new
// pixel data can't be scanned to completion because the backing buffer ran
// out of room: the unscanned tail degrades into one run covering every
// remaining pixel.
func (b *Buffer) Compute(old, new *rgb565.Framebuffer, rot Rotation, gap int, copyNewOverOld bool, compareMask uint16) {
	start := time.Now()
	defer func() { b.stats.ComputeTime.Push(float64(time.Since(start).Microseconds())) }()
	b.posW = 0
	if !rot.valid() {
		rot = Rotation0
	}
	if gap < 0 {
		gap = 0
	}
	if len(b.buf) == 0 || old == nil || new == nil {
		b.writeEncoded(tagEnd)
		b.posW = 0
		b.InitRead()
		return
	}

	idx := indexFuncFor(rot)
	useMask := compareMask != 0 && compareMask != 0xffff

	cgap := 0
	pos := 0
	complete := true
	for m := 0; m < numPixels; m++ {
		n := idx(m)
		changed := old.Pix[m] != new.Pix[n]
		if useMask {
			changed = (old.Pix[m] ^ new.Pix[n]) & compareMask != 0
		}
		if copyNewOverOld {
			old.Pix[m] = new.Pix[n]
		}
		if changed {
			if cgap > gap {
				if !b.writeChunk(uint32(m-pos-cgap), uint32(cgap)) {
					complete = false
					break
				}
				pos = m
			}
			cgap = 0
		} else {
			cgap++
		}
	}
	if complete {
		if rem := numPixels - pos - cgap; rem != 0 {
			complete = b.writeChunk(uint32(rem), uint32(cgap))
		}
		if complete {
			b.writeEncoded(tagEnd)
		}
	}

	if !complete {
		b.stats.Overflowed++
		if copyNewOverOld {
			// The copy pass above may have stopped scanning early along
			// with the diff; finish it unconditionally so the mirror is
			// always complete even when the diff itself degrades.
			copyRotated(old, new, rot)
		}
	}
	b.stats.Computed++
	b.stats.Size.Push(float64(b.Size()))
	b.InitRead()
}

// InitRead rewinds the read cursor to the beginning of the diff, as
// required before the first call to Read.
func (b *Buffer) InitRead() {
	b.posR = 0
	b.off = 0
	b.rValid = false
}

// Read returns the next write-run. Semantics:
//   - r == 0: (x,y,len) is a run to upload now.
//   - r == -1: the stream is exhausted.
//   - r > 0: the next run starts at row y (returned); r is
//     y+MinScanlineSpace (at most Height) and is guaranteed > scanline;
//     the caller must wait for the scan to pass row r before calling Read
//     again.
//
// A scanline >= Height means the caller is not racing the scan: no wait
// is requested and runs are not split at MaxWriteLines.
func (b *Buffer) Read(scanline int) (x, y, length, r int) {
	if !b.rValid {
		if b.off >= numPixels {
			return 0, 0, 0, -1
		}
		var nbwrite, nbskip uint32
		for {
			nbwrite = b.readEncoded()
			if nbwrite == tagEnd {
				return 0, 0, 0, -1
			}
			if nbwrite == tagWriteAll {
				rem := numPixels - b.off
				if rem <= 0 {
					return 0, 0, 0, -1
				}
				nbwrite = uint32(rem)
				nbskip = 0
			} else {
				nbskip = b.readEncoded()
			}
			if nbwrite > 0 {
				break
			}
			b.off += int(nbskip)
		}
		b.rY = b.off / lineWidth
		b.rX = b.off - lineWidth*b.rY
		b.off += int(nbskip) + int(nbwrite)
		b.rLen = int(nbwrite)
		b.rValid = true
	}

	x, y = b.rX, b.rY
	if scanline < rgb565.Height && b.rY+MinScanlineSpace > scanline {
		l := b.rY + MinScanlineSpace
		if l >= rgb565.Height {
			l = rgb565.Height
		}
		return x, y, 0, l
	}
	if b.rX > 0 {
		if b.rX+b.rLen <= lineWidth {
			length = b.rLen
			b.rValid = false
			return x, y, length, 0
		}
		length = lineWidth - b.rX
		b.rLen -= length
		b.rX = 0
		b.rY++
		return x, y, length, 0
	}
	maxLines := scanline - b.rY
	if scanline < rgb565.Height && maxLines > MaxWriteLines {
		maxLines = MaxWriteLines
	}
	maxPixels := maxLines * lineWidth
	if b.rLen <= maxPixels {
		length = b.rLen
		b.rValid = false
		return x, y, length, 0
	}
	length = maxPixels
	b.rLen -= maxPixels
	b.rX = 0
	b.rY += maxLines
	return x, y, length, 0
}

