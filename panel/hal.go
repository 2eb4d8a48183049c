package panel

import (
	"time"

	"ili9341fb.dev/image/rgb565"
)

// SPI is the narrow capability the core consumes from the SPI peripheral.
// Concrete backends (rp2040, periphspi) each implement it their own way;
// the core never reaches for a register directly.
type SPI interface {
	// BeginTx claims the bus at clockHz and asserts chip-select.
	BeginTx(clockHz uint32) error
	// EndTx releases chip-select and the bus.
	EndTx()

	WriteCmd8(cmd byte)
	WriteData8(b byte)
	WriteData16(w uint16)

	// ReadCmd8 issues a panel status/read command and returns the index'th
	// byte of its reply. ok is false if the read timed out (spec §5: a
	// timeout of 0 means "no timeout").
	ReadCmd8(cmd byte, index int, timeout time.Duration) (value byte, ok bool)

	// ArmPixelDMA starts an asynchronous transfer of src's pixel words and
	// calls onComplete exactly once from whatever context the backend's
	// completion interrupt fires in (never synchronously from within
	// ArmPixelDMA itself). It corresponds to the three-descriptor DMA
	// chain of spec §4.4: a data/command framing switch, the pixel burst,
	// and a loop back to the framing switch for the next run.
	ArmPixelDMA(src PixelSource, onComplete func())
}

// PixelSource streams the pixel words of one write-run in panel wire
// order, already resolved for the device's current rotation. It is
// produced by the pixel pusher (pusher.go) and consumed by an SPI backend.
type PixelSource interface {
	Len() int
	Next() uint16
}

// Timer is the one-shot alarm capability the upload state machine uses to
// wait out scanline-paced gaps without busy-looping the caller. Unlike the
// original hardware (four static PIT slots shared process-wide), every
// Device here owns its own Timer value, so there is no fixed instance cap
// to document or enforce — the object-keyed-ISR problem the original
// design worked around with a handle table simply doesn't exist once the
// callback is a closure captured per call.
type Timer interface {
	// OneShotIn arms cb to fire after d. OneShotAt arms it at an absolute
	// deadline measured against the same clock as Clock.NowMicros.
	OneShotIn(d time.Duration, cb func()) Cancel
	OneShotAt(deadline int64, cb func()) Cancel
}

// Cancel disarms a pending one-shot timer. Calling it after the timer
// already fired is a no-op.
type Cancel func()

// Clock exposes the free-running microsecond counter every timing decision
// in the core is measured against.
type Clock interface {
	NowMicros() int64
}

// Cache models the cache-flush the host must perform on a framebuffer
// before DMA reads it, per spec §5 ("any buffered writes to the
// framebuffer by the caller are flushed to memory before DMA begins").
// Backends without a data cache between CPU and DMA (e.g. periphspi on a
// cache-coherent Linux host) implement it as a no-op.
type Cache interface {
	Flush(fb *rgb565.Framebuffer)
}

// Touch is the optional resistive-touch collaborator. Device does not read
// it; it may be left nil.
type Touch interface {
	ReadPoint() (x, y int, pressed bool)
}

// ScanlineSource is the panel-side half of the timing oracle's sync: it
// performs the actual hardware scanline query (SPI command 0x45) and
// returns the raw [0,161] reading, or ok=false on a read timeout.
type ScanlineSource interface {
	QueryScanline(timeout time.Duration) (raw int, ok bool)
}
