package panel

import (
	"testing"
	"time"

	"ili9341fb.dev/diff"
	"ili9341fb.dev/image/rgb565"
)

func newTestUploader(h *fakeHAL) *Uploader {
	o := NewOracle(h, h)
	o.Sample()
	return NewUploader(UploadConfig{
		SPI:    h,
		Timer:  h,
		Clock:  h,
		Oracle: o,
	})
}

// awaitResult blocks the test goroutine for up to timeout (real wall-clock)
// for onDone to fire once, the way the buffering coordinator's launchAndWait
// blocks on a channel while the fakeHAL's background goroutine drives the
// virtual clock forward.
func awaitResult(t *testing.T, begin func(onDone func(UploadResult))) UploadResult {
	t.Helper()
	done := make(chan UploadResult, 1)
	begin(func(res UploadResult) { done <- res })
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("upload never completed")
		return UploadResult{}
	}
}

func TestUploaderFullDummyUpload(t *testing.T) {
	h := newFakeHAL(16_667.0)
	defer h.Close()
	u := newTestUploader(h)

	fb := &rgb565.Framebuffer{}
	fb.Fill(0x1234)
	var dummy diff.Dummy
	dummy.Reset(nil, nil, diff.Rotation0, false)

	res := awaitResult(t, func(onDone func(UploadResult)) {
		u.Begin(fb, &dummy, diff.Rotation0, onDone)
	})

	if res.Corrupted {
		t.Fatalf("unexpected corrupted result: %+v", res)
	}
	if res.Pixels != rgb565.NumPixels {
		t.Fatalf("Pixels = %d, want %d", res.Pixels, rgb565.NumPixels)
	}
	if res.Transactions != 1 {
		t.Fatalf("Transactions = %d, want 1", res.Transactions)
	}
	if u.Busy() {
		t.Fatal("uploader still busy after completion")
	}
}

func TestUploaderEmptyDiffFinishesImmediately(t *testing.T) {
	h := newFakeHAL(16_667.0)
	defer h.Close()
	u := newTestUploader(h)

	old := &rgb565.Framebuffer{}
	old.Fill(0x1234)
	new := &rgb565.Framebuffer{}
	new.Fill(0x1234) // identical: no changed pixels

	buf := diff.NewBuffer(make([]byte, 4096))
	buf.Compute(old, new, diff.Rotation0, 0, false, 0)

	res := awaitResult(t, func(onDone func(UploadResult)) {
		u.Begin(new, buf, diff.Rotation0, onDone)
	})
	if res.Corrupted {
		t.Fatalf("identical-frame diff reported corrupted: %+v", res)
	}
	if res.Pixels != 0 {
		t.Fatalf("Pixels = %d, want 0 for a no-op diff", res.Pixels)
	}
}

func TestUploaderPartialDiffWritesOnlyChangedRun(t *testing.T) {
	h := newFakeHAL(16_667.0)
	defer h.Close()
	u := newTestUploader(h)

	old := &rgb565.Framebuffer{}
	old.Fill(0x0000)
	newFB := &rgb565.Framebuffer{}
	newFB.Fill(0x0000)
	for x := 10; x < 20; x++ {
		newFB.Set(x, 5, rgbColor(0xff, 0xff, 0xff))
	}

	buf := diff.NewBuffer(make([]byte, 4096))
	buf.Compute(old, newFB, diff.Rotation0, 0, false, 0)

	res := awaitResult(t, func(onDone func(UploadResult)) {
		u.Begin(newFB, buf, diff.Rotation0, onDone)
	})
	if res.Corrupted {
		t.Fatalf("unexpected corrupted result: %+v", res)
	}
	if res.Pixels != 10 {
		t.Fatalf("Pixels = %d, want 10", res.Pixels)
	}
}

func TestUploaderBeginPanicsWhenBusy(t *testing.T) {
	h := newFakeHAL(16_667.0)
	defer h.Close()
	u := newTestUploader(h)

	fb := &rgb565.Framebuffer{}
	var dummy diff.Dummy
	dummy.Reset(nil, nil, diff.Rotation0, false)
	u.Begin(fb, &dummy, diff.Rotation0, func(UploadResult) {})

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic calling Begin while busy")
		}
	}()
	var dummy2 diff.Dummy
	dummy2.Reset(nil, nil, diff.Rotation0, false)
	u.Begin(fb, &dummy2, diff.Rotation0, func(UploadResult) {})
}

func TestUploaderVsyncSpacingIncrementsLastDelta(t *testing.T) {
	h := newFakeHAL(16_667.0)
	defer h.Close()
	o := NewOracle(h, h)
	o.Sample()
	u := NewUploader(UploadConfig{SPI: h, Timer: h, Clock: h, Oracle: o, VsyncSpacing: 2})

	fb := &rgb565.Framebuffer{}
	fb.Fill(0x1234)
	var dummy diff.Dummy
	dummy.Reset(nil, nil, diff.Rotation0, false)

	// First upload establishes a timeframestart baseline.
	awaitResult(t, func(onDone func(UploadResult)) {
		u.Begin(fb, &dummy, diff.Rotation0, onDone)
	})

	var dummy2 diff.Dummy
	dummy2.Reset(nil, nil, diff.Rotation0, false)
	res := awaitResult(t, func(onDone func(UploadResult)) {
		u.Begin(fb, &dummy2, diff.Rotation0, onDone)
	})
	if res.LastDelta < 1 {
		t.Fatalf("LastDelta = %d, want >= 1 with vsync_spacing=2", res.LastDelta)
	}
}

func rgbColor(r, g, b uint8) rgbColorT { return rgbColorT{r, g, b} }

type rgbColorT struct{ r, g, b uint8 }

func (c rgbColorT) RGBA() (r, g, b, a uint32) {
	return uint32(c.r) * 0x101, uint32(c.g) * 0x101, uint32(c.b) * 0x101, 0xffff
}
