package diff

import "ili9341fb.dev/image/rgb565"

// Dummy is a diff that, without ever comparing pixels, exposes the same
// reader interface as Buffer but always describes a full-screen redraw.
// It is used for the very first frame after a mirror-invalidating event
// (rotation change, mode change, rebind) when there is nothing to diff
// against.
type Dummy struct {
	done bool
}

// Reset rearms the dummy diff for another read pass, optionally copying new
// onto old under rot first (the same "diff + prepare next mirror" trick
// Buffer.Compute offers).
func (d *Dummy) Reset(old, new *rgb565.Framebuffer, rot Rotation, copyNewOverOld bool) {
	if copyNewOverOld && old != nil && new != nil {
		if !rot.valid() {
			rot = Rotation0
		}
		copyRotated(old, new, rot)
	}
	d.InitRead()
}

func (d *Dummy) InitRead() { d.done = false }

// Read always yields the single run (0, 0, NumPixels) then terminates:
// Dummy never asks the caller to wait on the scanline, trading a possible
// tear on this one frame for the simplicity of a single, immediate
// full-screen write.
func (d *Dummy) Read(scanline int) (x, y, length, r int) {
	if d.done {
		return 0, 0, 0, -1
	}
	d.done = true
	return 0, 0, rgb565.NumPixels, 0
}
