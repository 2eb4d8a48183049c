package panel

import (
	"fmt"
	"sync"
	"time"

	"ili9341fb.dev/diff"
	"ili9341fb.dev/image/rgb565"
)

// MaxVsyncSpacing bounds the vsync_spacing configuration value; anything
// larger is silently clamped (spec §7, InvalidConfig).
const MaxVsyncSpacing = 64

// BufferingMode is derived entirely from how many target framebuffers a
// Device is constructed with (spec §4.5); there is no separate "requested
// mode" to fall out of sync with the bound resources.
type BufferingMode int

const (
	NoBuffering BufferingMode = iota
	DoubleBuffering
	TripleBuffering
)

func (m BufferingMode) String() string {
	switch m {
	case NoBuffering:
		return "no-buffering"
	case DoubleBuffering:
		return "double-buffering"
	case TripleBuffering:
		return "triple-buffering"
	default:
		return "unknown"
	}
}

// Config collects every collaborator and tunable a Device needs. SPI,
// Timer, Clock, and Scanline are required; Cache and Touch may be left nil.
// Device never calls Cache.Flush or Touch.ReadPoint, so framebuffers are
// not flushed before an upload and no touch events are reported.
type Config struct {
	SPI      SPI
	Timer    Timer
	Clock    Clock
	Cache    Cache
	Scanline ScanlineSource
	Touch    Touch

	// InitSequence performs the out-of-scope ILI9341 register-write init
	// sequence (reset, power/gamma setup, SLPOUT, DISPON). Begin calls it
	// before each self-diagnostic readback attempt and only verifies the
	// readback after it returns; the bytes written are entirely this
	// hook's concern.
	InitSequence func(SPI) error

	// ReadTimeout bounds scanline and self-diagnostic SPI reads; zero
	// means wait indefinitely (spec §5 default).
	ReadTimeout time.Duration

	Rotation    uint8 // clamped to [0,3]
	RefreshMode uint8 // clamped to [0,31]
	P0Micros    float64

	VsyncSpacing   int // -1, 0, 1..MaxVsyncSpacing
	LateStartRatio float64
	Gap            int
	CompareMask    uint16

	// Framebuffers are the target buffers the coordinator copies into and
	// uploads from: none selects NoBuffering, one selects DoubleBuffering,
	// two or more selects TripleBuffering (only the first two are used).
	Framebuffers []*rgb565.Framebuffer
	// DiffBuffers backs the differential engine; DoubleBuffering can use
	// a second one to overlap diff-compute with the in-flight upload, and
	// TripleBuffering needs a second one to stage the look-ahead diff.
	// Fewer is not a hard error: with none, every frame is a dummy full
	// redraw; with only one, DoubleBuffering does not overlap and
	// TripleBuffering stages dummy full redraws.
	DiffBuffers []*diff.Buffer
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Device ties the timing oracle, upload state machine, buffering
// coordinator, and stats tracker into the single object applications drive
// with Update.
type Device struct {
	cfg    Config
	oracle *Oracle
	up     *Uploader
	stats  Stats

	// mu/cond guard every field below it: the coordinator's "atomic
	// sections" (spec §5) that must be observed consistently whether
	// entered from the caller's Update or from the upload completion
	// callback.
	mu   sync.Mutex
	cond *sync.Cond

	mode BufferingMode
	rot  diff.Rotation

	mirror *rgb565.Framebuffer
	fb1    *rgb565.Framebuffer
	fb2    *rgb565.Framebuffer
	diff1  *diff.Buffer
	diff2  *diff.Buffer

	dummy1 diff.Dummy
	dummy2 diff.Dummy

	// fb2full marks that a staged "look-ahead" frame is waiting in fb2 /
	// diff2 for the in-flight upload to complete (triple buffering only).
	fb2full bool
	// stagedDummy records whether the staged frame was a dummy (full
	// redraw) or a real diff, so the completion callback knows which pair
	// to promote without re-deriving it from mirror state that the same
	// callback is about to overwrite (design note: a small typed/flag
	// state beats inferring it from overlapping booleans).
	stagedDummy bool

	// launchedFB is the framebuffer the most recently launched upload is
	// reading from; the completion callback uses it to update mirror
	// without needing to know which buffering mode launched it.
	launchedFB *rgb565.Framebuffer
	// waiter, if non-nil, receives the result of the upload currently in
	// flight: set by the synchronous paths (NoBuffering, DoubleBuffering,
	// and TripleBuffering's "no upload in flight" / "completed between
	// checks" cases) that block the caller until their own frame lands.
	waiter chan UploadResult

	configured bool
}

// New validates and clamps cfg, derives the buffering mode from the
// framebuffers it names, and returns an unconfigured Device: call Begin
// before the first Update.
func New(cfg Config) *Device {
	cfg.Rotation = uint8(clamp(int(cfg.Rotation), 0, 3))
	cfg.RefreshMode = uint8(clamp(int(cfg.RefreshMode), 0, 31))
	if cfg.VsyncSpacing < -1 {
		cfg.VsyncSpacing = -1
	} else if cfg.VsyncSpacing > MaxVsyncSpacing {
		cfg.VsyncSpacing = MaxVsyncSpacing
	}
	if cfg.LateStartRatio < 0 {
		cfg.LateStartRatio = 0
	} else if cfg.LateStartRatio > 1 {
		cfg.LateStartRatio = 1
	}

	d := &Device{cfg: cfg, rot: diff.Rotation(cfg.Rotation)}
	d.cond = sync.NewCond(&d.mu)
	d.oracle = NewOracle(cfg.Scanline, cfg.Clock)
	d.oracle.ReadTimeout = cfg.ReadTimeout

	switch {
	case len(cfg.Framebuffers) == 0:
		d.mode = NoBuffering
	case len(cfg.Framebuffers) == 1:
		d.mode = DoubleBuffering
		d.fb1 = cfg.Framebuffers[0]
	default:
		d.mode = TripleBuffering
		d.fb1 = cfg.Framebuffers[0]
		d.fb2 = cfg.Framebuffers[1]
	}
	if len(cfg.DiffBuffers) > 0 {
		d.diff1 = cfg.DiffBuffers[0]
	}
	if len(cfg.DiffBuffers) > 1 {
		d.diff2 = cfg.DiffBuffers[1]
	}

	d.up = NewUploader(UploadConfig{
		SPI:            cfg.SPI,
		Timer:          cfg.Timer,
		Clock:          cfg.Clock,
		Oracle:         d.oracle,
		VsyncSpacing:   cfg.VsyncSpacing,
		LateStartRatio: cfg.LateStartRatio,
	})
	return d
}

// Mode reports the buffering mode derived at construction time.
func (d *Device) Mode() BufferingMode { return d.mode }

// Stats returns the accumulated per-frame statistics.
func (d *Device) Stats() Stats { return d.stats }

// SelfDiagStatus is the ILI9341 self-diagnostic readback (spec §6):
// power mode, pixel format, image format, and self-diagnostic byte.
type SelfDiagStatus struct {
	PowerMode   byte
	PixelFormat byte
	ImageFormat byte
	SelfDiag    byte
}

// OK reports whether every field matches the expected post-init value.
func (s SelfDiagStatus) OK() bool {
	return s.PowerMode == 0x9c && s.PixelFormat == 0x05 && s.ImageFormat == 0x00 && s.SelfDiag == 0xc0
}

func (d *Device) readSelfDiag() (SelfDiagStatus, error) {
	pm, _ := d.cfg.SPI.ReadCmd8(cmdRDMODE, 0, d.cfg.ReadTimeout)
	pf, _ := d.cfg.SPI.ReadCmd8(cmdRDPIXFMT, 0, d.cfg.ReadTimeout)
	imf, _ := d.cfg.SPI.ReadCmd8(cmdRDIMGFMT, 0, d.cfg.ReadTimeout)
	sd, _ := d.cfg.SPI.ReadCmd8(cmdRDSELFDIAG, 0, d.cfg.ReadTimeout)
	s := SelfDiagStatus{pm, pf, imf, sd}
	if !s.OK() {
		return s, fmt.Errorf("unexpected readback %+v", s)
	}
	return s, nil
}

// selfDiagRetries is the retry budget spec §6 gives the post-init readback
// before reporting init failure.
const selfDiagRetries = 5

// Begin runs the (out-of-scope) panel init sequence, then verifies the
// self-diagnostic readback, repeating both for up to selfDiagRetries
// attempts. It also takes the oracle's first period sample. Only Begin and
// SelfDiagStatus surface errors to the caller; everything past this point
// is absorbed into Stats.
func (d *Device) Begin() error {
	var err error
	for i := 0; i < selfDiagRetries; i++ {
		if d.cfg.InitSequence != nil {
			if ierr := d.cfg.InitSequence(d.cfg.SPI); ierr != nil {
				return fmt.Errorf("%w: %v", ErrInitPanel, ierr)
			}
		}
		if err = d.cfg.SPI.BeginTx(defaultSPIClockHz); err != nil {
			continue
		}
		_, err = d.readSelfDiag()
		d.cfg.SPI.EndTx()
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitPanel, err)
	}

	d.configured = true
	d.oracle.Sample()
	return nil
}

// SelfDiagStatus re-reads the panel's self-diagnostic status without
// re-running the init sequence. It returns ErrNotConfigured until Begin
// has succeeded.
func (d *Device) SelfDiagStatus() (SelfDiagStatus, error) {
	if !d.configured {
		return SelfDiagStatus{}, ErrNotConfigured
	}
	if err := d.cfg.SPI.BeginTx(defaultSPIClockHz); err != nil {
		return SelfDiagStatus{}, err
	}
	defer d.cfg.SPI.EndTx()
	return d.readSelfDiag()
}

// SetRotation changes the active rotation, clamped to [0,3], and clears
// the mirror (spec §3: "any refresh-mode or rotation change clears the
// mirror").
func (d *Device) SetRotation(rot uint8) {
	d.up.WaitIdle()
	d.rot = diff.Rotation(clamp(int(rot), 0, 3))
	d.mirror = nil
}

// SetRefreshMode records the refresh mode (clamped to [0,31]) used by
// RefreshRate and clears the mirror, then resamples the oracle's period
// estimate since a refresh-mode change invalidates it. It sends no FRMCTR1
// command to the panel.
func (d *Device) SetRefreshMode(mode uint8) {
	d.up.WaitIdle()
	d.cfg.RefreshMode = uint8(clamp(int(mode), 0, 31))
	d.mirror = nil
	d.oracle.Sample()
}

// SetVsyncSpacing reprograms vsync_spacing, clamped to [-1,MaxVsyncSpacing].
func (d *Device) SetVsyncSpacing(spacing int) {
	d.up.WaitIdle()
	if spacing < -1 {
		spacing = -1
	} else if spacing > MaxVsyncSpacing {
		spacing = MaxVsyncSpacing
	}
	d.cfg.VsyncSpacing = spacing
	d.up.cfg.VsyncSpacing = spacing
}

// RefreshRate returns the effective vertical refresh rate, in Hz, of the
// currently configured refresh mode.
func (d *Device) RefreshRate() float64 {
	return refreshRate(d.cfg.RefreshMode, d.cfg.P0Micros)
}
