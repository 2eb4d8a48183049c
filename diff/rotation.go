package diff

import "ili9341fb.dev/image/rgb565"

// indexFuncFor returns a function mapping a panel-scan-order offset m
// (0..NumPixels-1, as the panel itself scans out: row-major in the given
// rotation) to the corresponding canonical (rotation-0) pixel index. This
// is the only place rotation is interpreted for diff purposes; framebuffers
// themselves are always stored canonical.
func indexFuncFor(rot Rotation) func(m int) int {
	const lx, ly = rgb565.Width, rgb565.Height
	switch rot {
	case Rotation90:
		return func(m int) int {
			i, c := m/lx, m%lx
			j := lx - 1 - c
			return i + ly*j
		}
	case Rotation180:
		return func(m int) int {
			r, c := m/lx, m%lx
			j := ly - 1 - r
			i := lx - 1 - c
			return i + lx*j
		}
	case Rotation270:
		return func(m int) int {
			r, c := m/lx, m%lx
			i := ly - 1 - r
			return i + ly*c
		}
	default: // Rotation0
		return func(m int) int { return m }
	}
}

// IndexFunc exposes the same canonical-index mapping Compute uses
// internally, for consumers (the pixel pusher) that must read the source
// framebuffer along the identical traversal a run's (x,y,len) was computed
// against.
func IndexFunc(rot Rotation) func(m int) int {
	if !rot.valid() {
		rot = Rotation0
	}
	return indexFuncFor(rot)
}

// copyRotated writes new over old pixel-for-pixel under rot, the same
// traversal Compute uses, without computing a diff. Used both to implement
// Dummy's copy-only path and to finish an interrupted copy-while-diffing
// pass after a buffer overflow.
func copyRotated(old, new *rgb565.Framebuffer, rot Rotation) {
	idx := indexFuncFor(rot)
	for m := 0; m < numPixels; m++ {
		old.Pix[m] = new.Pix[idx(m)]
	}
}

// Copy writes src over dst pixel-for-pixel under rot without computing or
// consuming a diff, for callers (the buffering coordinator) that need to
// settle a mirror buffer after a diff meant for it was already computed
// against a stale copy.
func Copy(dst, src *rgb565.Framebuffer, rot Rotation) {
	if !rot.valid() {
		rot = Rotation0
	}
	copyRotated(dst, src, rot)
}
