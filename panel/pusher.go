package panel

import (
	"ili9341fb.dev/diff"
	"ili9341fb.dev/image/rgb565"
)

// pixelRun is a PixelSource over one write-run of a source framebuffer,
// reading along the traversal the diff stream computed the run against.
// Rotations 0 and 2 read contiguous canonical addresses; 1 and 3 do not,
// matching spec §4.3's requirement that their DMA descriptors stream
// per-scanline segments rather than assume contiguity.
type pixelRun struct {
	fb  *rgb565.Framebuffer
	idx func(int) int
	off int
	n   int
	i   int
}

// newPixelRun builds the PixelSource for the run (x,y,len) under rot,
// reading fb (the frame currently being uploaded).
func newPixelRun(fb *rgb565.Framebuffer, rot diff.Rotation, x, y, length int) *pixelRun {
	return &pixelRun{
		fb:  fb,
		idx: diff.IndexFunc(rot),
		off: y*rgb565.Width + x,
		n:   length,
	}
}

func (p *pixelRun) Len() int { return p.n }

func (p *pixelRun) Next() uint16 {
	v := p.fb.Pix[p.idx(p.off+p.i)]
	p.i++
	return v
}
