package panel

import (
	"ili9341fb.dev/diff"
	"ili9341fb.dev/image/rgb565"
)

// Update pushes fb through the buffering coordinator (C5). Its blocking
// behavior depends on Mode(): NoBuffering and DoubleBuffering are fully
// synchronous (the call does not return until the frame has landed, or
// been confirmed dropped); TripleBuffering may return before the frame has
// actually reached the panel, once it has staged a look-ahead frame behind
// an in-flight upload.
func (d *Device) Update(fb *rgb565.Framebuffer, forceFull bool) error {
	if !d.configured {
		return ErrNotConfigured
	}
	switch d.mode {
	case NoBuffering:
		return d.updateNoBuffering(fb)
	case DoubleBuffering:
		return d.updateDoubleBuffering(fb, forceFull)
	default:
		return d.updateTripleBuffering(fb, forceFull)
	}
}

// updateNoBuffering is always a dummy (full-screen) upload straight from
// the caller's own framebuffer: there is no mirror to diff against.
func (d *Device) updateNoBuffering(fb *rgb565.Framebuffer) error {
	var dummy diff.Dummy
	dummy.Reset(nil, nil, d.rot, false)
	return d.launchAndWait(fb, &dummy)
}

func (d *Device) updateDoubleBuffering(fb *rgb565.Framebuffer, forceFull bool) error {
	if d.cfg.VsyncSpacing == -1 && d.up.Busy() {
		d.stats.RecordDrop()
		return nil
	}

	d.mu.Lock()
	canOverlap := d.diff1 != nil && d.diff2 != nil && d.mirror != nil && !forceFull && d.up.Busy()
	d.mu.Unlock()

	if canOverlap {
		// Prepare the next diff against the still-stable fb1 while the
		// current upload is still draining it, then wait, settle fb1, and
		// promote the freshly computed diff.
		d.diff2.Compute(d.fb1, fb, d.rot, d.cfg.Gap, false, d.cfg.CompareMask)
		d.up.WaitIdle()
		diff.Copy(d.fb1, fb, d.rot)
		d.mu.Lock()
		d.diff1, d.diff2 = d.diff2, d.diff1
		d.mu.Unlock()
		return d.launchAndWait(d.fb1, d.diff1)
	}

	d.up.WaitIdle()
	return d.launchImmediate(fb, forceFull)
}

func (d *Device) updateTripleBuffering(fb *rgb565.Framebuffer, forceFull bool) error {
	if !d.up.Busy() {
		return d.updateDoubleBuffering(fb, forceFull)
	}

	if d.cfg.VsyncSpacing != -1 {
		d.mu.Lock()
		for d.fb2full {
			d.cond.Wait()
		}
		d.mu.Unlock()
	} else {
		d.mu.Lock()
		full := d.fb2full
		d.mu.Unlock()
		if full {
			d.stats.RecordDrop()
			return nil
		}
	}

	d.mu.Lock()
	if !d.up.Busy() {
		// Completed between our earlier check and now: nothing to stage,
		// just swap straight to an immediate launch.
		d.mu.Unlock()
		return d.launchImmediate(fb, forceFull)
	}
	useDummy := d.mirror == nil || forceFull || d.diff2 == nil
	if useDummy {
		d.dummy2.Reset(d.fb1, fb, d.rot, false)
	} else {
		d.diff2.Compute(d.fb1, fb, d.rot, d.cfg.Gap, false, d.cfg.CompareMask)
	}
	d.stagedDummy = useDummy
	d.mu.Unlock()

	diff.Copy(d.fb2, fb, d.rot)

	d.mu.Lock()
	d.fb2full = true
	d.mu.Unlock()
	return nil
}

// launchImmediate is the "no upload in flight" path shared by
// DoubleBuffering and TripleBuffering: settle fb1 (dummy or real diff,
// always copying) and launch synchronously.
func (d *Device) launchImmediate(fb *rgb565.Framebuffer, forceFull bool) error {
	d.mu.Lock()
	useDummy := d.mirror == nil || forceFull || d.diff1 == nil
	d.mu.Unlock()

	var reader diff.Reader
	if useDummy {
		d.dummy1.Reset(d.fb1, fb, d.rot, true)
		reader = &d.dummy1
	} else {
		d.diff1.Compute(d.fb1, fb, d.rot, d.cfg.Gap, true, d.cfg.CompareMask)
		reader = d.diff1
	}
	return d.launchAndWait(d.fb1, reader)
}

// launch starts an upload without blocking the caller, used for the
// completion-callback-driven triple-buffering relaunch.
func (d *Device) launch(fb *rgb565.Framebuffer, reader diff.Reader) {
	d.mu.Lock()
	d.launchedFB = fb
	d.mu.Unlock()
	d.up.Begin(fb, reader, d.rot, d.onUploadDone)
}

// launchAndWait starts an upload and blocks until it completes.
func (d *Device) launchAndWait(fb *rgb565.Framebuffer, reader diff.Reader) error {
	done := make(chan UploadResult, 1)
	d.mu.Lock()
	d.waiter = done
	d.launchedFB = fb
	d.mu.Unlock()
	d.up.Begin(fb, reader, d.rot, d.onUploadDone)
	res := <-done
	if res.Corrupted {
		return ErrUploadCorrupted
	}
	return nil
}

// onUploadDone is the single completion handler for every upload launched
// by the coordinator, whether from a synchronous Update call or from a
// previous onUploadDone staging a look-ahead frame.
func (d *Device) onUploadDone(res UploadResult) {
	d.mu.Lock()
	d.stats.Record(res)
	if !res.Corrupted {
		d.mirror = d.launchedFB
	}

	var relaunchFB *rgb565.Framebuffer
	var relaunchReader diff.Reader
	relaunch := false
	if d.mode == TripleBuffering && d.fb2full {
		d.fb2full = false
		d.diff1, d.diff2 = d.diff2, d.diff1
		d.fb1, d.fb2 = d.fb2, d.fb1
		if d.stagedDummy {
			d.dummy1, d.dummy2 = d.dummy2, d.dummy1
			relaunchReader = &d.dummy1
		} else {
			relaunchReader = d.diff1
		}
		relaunchFB = d.fb1
		relaunch = true
		d.cond.Broadcast()
	}

	waiter := d.waiter
	d.waiter = nil
	d.mu.Unlock()

	if waiter != nil {
		waiter <- res
	}
	if relaunch {
		d.launch(relaunchFB, relaunchReader)
	}
}
