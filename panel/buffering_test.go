package panel

import (
	"testing"

	"ili9341fb.dev/diff"
	"ili9341fb.dev/image/rgb565"
)

func newTestDevice(t *testing.T, h *fakeHAL, mode BufferingMode) *Device {
	t.Helper()
	var fbs []*rgb565.Framebuffer
	var diffs []*diff.Buffer
	switch mode {
	case DoubleBuffering:
		fbs = []*rgb565.Framebuffer{{}}
		diffs = []*diff.Buffer{diff.NewBuffer(make([]byte, 8192)), diff.NewBuffer(make([]byte, 8192))}
	case TripleBuffering:
		fbs = []*rgb565.Framebuffer{{}, {}}
		diffs = []*diff.Buffer{diff.NewBuffer(make([]byte, 8192)), diff.NewBuffer(make([]byte, 8192))}
	}
	d := New(Config{
		SPI:         h,
		Timer:       h,
		Clock:       h,
		Scanline:    h,
		Framebuffers: fbs,
		DiffBuffers:  diffs,
		P0Micros:     16_667.0,
	})
	if err := d.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if d.Mode() != mode {
		t.Fatalf("Mode() = %v, want %v", d.Mode(), mode)
	}
	return d
}

func TestDeviceNoBufferingAlwaysFullRedraw(t *testing.T) {
	h := newFakeHAL(16_667.0)
	defer h.Close()
	d := newTestDevice(t, h, NoBuffering)

	fb := &rgb565.Framebuffer{}
	fb.Fill(0x1234)
	if err := d.Update(fb, false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if d.Stats().FramesCompleted() != 1 {
		t.Fatalf("FramesCompleted = %d, want 1", d.Stats().FramesCompleted())
	}
}

func TestDeviceDoubleBufferingDiffsAgainstMirror(t *testing.T) {
	h := newFakeHAL(16_667.0)
	defer h.Close()
	d := newTestDevice(t, h, DoubleBuffering)

	fb := &rgb565.Framebuffer{}
	fb.Fill(0x1234)
	if err := d.Update(fb, false); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	// Second update, identical contents: should diff to a no-op.
	fb2 := &rgb565.Framebuffer{}
	fb2.Fill(0x1234)
	if err := d.Update(fb2, false); err != nil {
		t.Fatalf("second Update: %v", err)
	}
	if d.Stats().FramesCompleted() != 2 {
		t.Fatalf("FramesCompleted = %d, want 2", d.Stats().FramesCompleted())
	}
}

func TestDeviceForceFullAlwaysUsesDummy(t *testing.T) {
	h := newFakeHAL(16_667.0)
	defer h.Close()
	d := newTestDevice(t, h, DoubleBuffering)

	fb := &rgb565.Framebuffer{}
	fb.Fill(0x1234)
	if err := d.Update(fb, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if d.Stats().FramesCompleted() != 1 {
		t.Fatalf("FramesCompleted = %d, want 1", d.Stats().FramesCompleted())
	}
}

func TestDeviceTripleBufferingFirstUpdateSynchronous(t *testing.T) {
	h := newFakeHAL(16_667.0)
	defer h.Close()
	h.setThroughput(0.05) // slow simulated DMA
	d := newTestDevice(t, h, TripleBuffering)

	fb1 := &rgb565.Framebuffer{}
	fb1.Fill(0x1111)
	if err := d.Update(fb1, false); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	if d.Stats().FramesCompleted() != 1 {
		t.Fatalf("FramesCompleted = %d, want 1 after first synchronous update", d.Stats().FramesCompleted())
	}
}

func TestDeviceRotationChangeClearsMirror(t *testing.T) {
	h := newFakeHAL(16_667.0)
	defer h.Close()
	d := newTestDevice(t, h, DoubleBuffering)

	fb := &rgb565.Framebuffer{}
	fb.Fill(0x1234)
	if err := d.Update(fb, false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	d.SetRotation(2)
	if d.mirror != nil {
		t.Fatal("mirror not cleared after SetRotation")
	}
}

func TestDeviceUpdateBeforeBeginFails(t *testing.T) {
	h := newFakeHAL(16_667.0)
	defer h.Close()
	d := New(Config{SPI: h, Timer: h, Clock: h, Scanline: h})
	fb := &rgb565.Framebuffer{}
	if err := d.Update(fb, false); err != ErrNotConfigured {
		t.Fatalf("Update before Begin: got %v, want ErrNotConfigured", err)
	}
}
