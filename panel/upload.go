package panel

import (
	"math"
	"sync"
	"time"

	"ili9341fb.dev/diff"
	"ili9341fb.dev/image/rgb565"
)

type uploadState int

const (
	stateIdle uploadState = iota
	stateArmed
	stateWaitScan
	stateDMARun
	stateWaitGap
	stateFinish
)

// minWait is the floor on a WAIT_GAP delay, keeping the timer from being
// rearmed at an interval shorter than it can reliably fire.
const minWait = 50 * time.Microsecond

// defaultSPIClockHz is the bus speed BeginTx requests; comfortably inside
// the ILI9341's documented write-cycle budget.
const defaultSPIClockHz = 40_000_000

// UploadConfig names the collaborators and tunables an Uploader is built
// from. All fields are required except LateStartRatio, which defaults to
// the strictest (0) when unset.
type UploadConfig struct {
	SPI    SPI
	Timer  Timer
	Clock  Clock
	Oracle *Oracle

	// VsyncSpacing is in refresh periods: 0 ignores vsync and starts the
	// next upload immediately; k>=1 waits roughly k periods from the
	// previous upload's timeframestart. -1 (drop-on-busy) is handled
	// entirely by the buffering coordinator before Begin is ever called;
	// the uploader itself treats -1 the same as 0.
	VsyncSpacing int
	// LateStartRatio trades tear risk for jitter: 0 demands the upload
	// start at scanline 0, 1 permits starting as late as scanline 319.
	LateStartRatio float64
}

// UploadResult is reported to the completion callback passed to Begin.
type UploadResult struct {
	// Corrupted is true if the state machine observed a read it couldn't
	// trust (spec §4.4 failure handling): the frame ended without writing
	// any further pixels and the caller must not treat its mirror as
	// up to date with fb.
	Corrupted bool
	// Margin is the minimum observed "scanlines ahead of scan" across the
	// whole frame; negative means a tear occurred.
	Margin int
	// LastDelta is the observed spacing, in panel refresh periods, since
	// the previous upload's timeframestart.
	LastDelta int
	// CPUTime is time spent actually computing/issuing commands, excluding
	// time parked in a scanline or vsync wait and excluding the DMA
	// transfer itself.
	CPUTime time.Duration
	// UploadTime is the total wall-clock span from Begin to completion.
	UploadTime time.Duration
	// Pixels is the number of RGB565 words written to the panel.
	Pixels int
	// Transactions is the number of RAMWR bursts issued.
	Transactions int
}

// Uploader is the vsync-aligned upload state machine (C4): it drains a
// diff.Reader against a source framebuffer over SPI+DMA while continuously
// racing the panel's scanline oracle. Only one upload may be in flight on
// an Uploader at a time; Begin panics if called while busy, since the
// coordinator (buffering.go) is the sole party responsible for enforcing
// that invariant.
type Uploader struct {
	cfg UploadConfig

	// busyMu/busyCond guard only the idle/busy transition, letting
	// WaitIdle (called from the buffering coordinator's goroutine) block
	// across the completion interrupt's goroutine boundary without
	// requiring every internal field access to be locked: the rest of the
	// state machine always runs on whichever single context last touched
	// it (caller or completion callback), never concurrently with itself.
	busyMu   sync.Mutex
	busyCond *sync.Cond

	state  uploadState
	fb     *rgb565.Framebuffer
	reader diff.Reader
	rot    diff.Rotation

	margin         int
	slinitpos      int
	emAsyncStart   int64
	lastY          int
	prevX, prevY   int
	timeframestart int64
	lastDelta      int

	curX, curY, curLen int

	lateStartOverrideOnce bool

	beginAt      int64
	cpuAccum     int64
	cpuRunning   bool
	cpuStart     int64
	pixels       int
	transactions int

	cancel Cancel
	onDone func(UploadResult)
}

// suspendCPU stops the CPU-time clock, used at every point the state
// machine hands control to a timer wait or to the DMA engine.
func (u *Uploader) suspendCPU() {
	if u.cpuRunning {
		u.cpuAccum += u.cfg.Clock.NowMicros() - u.cpuStart
		u.cpuRunning = false
	}
}

// resumeCPU restarts the CPU-time clock, used at the top of every callback
// re-entering the state machine.
func (u *Uploader) resumeCPU() {
	if !u.cpuRunning {
		u.cpuStart = u.cfg.Clock.NowMicros()
		u.cpuRunning = true
	}
}

// NewUploader constructs an idle Uploader from cfg.
func NewUploader(cfg UploadConfig) *Uploader {
	u := &Uploader{cfg: cfg, prevX: -1, prevY: -1}
	u.busyCond = sync.NewCond(&u.busyMu)
	return u
}

// Busy reports whether an upload is currently in flight.
func (u *Uploader) Busy() bool {
	u.busyMu.Lock()
	defer u.busyMu.Unlock()
	return u.state != stateIdle
}

// WaitIdle blocks until no upload is in flight. Reconfiguration calls use
// this before touching shared state (spec §5).
func (u *Uploader) WaitIdle() {
	u.busyMu.Lock()
	for u.state != stateIdle {
		u.busyCond.Wait()
	}
	u.busyMu.Unlock()
}

// OverrideLateStartOnce forces the next Begin to behave as if
// LateStartRatio were 0, then self-clears (spec §4.4,
// late_start_ratio_override).
func (u *Uploader) OverrideLateStartOnce() { u.lateStartOverrideOnce = true }

func (u *Uploader) effectiveLateStartRatio() float64 {
	if u.lateStartOverrideOnce {
		u.lateStartOverrideOnce = false
		return 0
	}
	r := u.cfg.LateStartRatio
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Begin launches an upload of fb's contents via reader (already
// InitRead-able) under rotation rot, invoking onDone exactly once when the
// frame finishes, successfully or not.
func (u *Uploader) Begin(fb *rgb565.Framebuffer, reader diff.Reader, rot diff.Rotation, onDone func(UploadResult)) {
	u.busyMu.Lock()
	if u.state != stateIdle {
		u.busyMu.Unlock()
		panic("panel: Begin called while an upload is already in flight")
	}
	u.state = stateArmed
	u.busyMu.Unlock()

	u.fb = fb
	u.reader = reader
	u.rot = rot
	u.onDone = onDone
	u.margin = 320
	u.lastY = 0
	u.prevX, u.prevY = -1, -1
	u.beginAt = u.cfg.Clock.NowMicros()
	u.emAsyncStart = u.beginAt
	u.cpuAccum = 0
	u.cpuRunning = false
	u.pixels = 0
	u.transactions = 0
	u.resumeCPU()

	reader.InitRead()
	// The first run is read unpaced (scanline Height): it is written only
	// after WAIT_SCAN, so it must come back as a run, never a wait.
	x, y, length, r := reader.Read(rgb565.Height)
	if r < 0 {
		u.finish(UploadResult{})
		return
	}
	if r != 0 || length == 0 {
		u.finish(UploadResult{Corrupted: true})
		return
	}
	u.curX, u.curY, u.curLen = x, y, length

	if err := u.cfg.SPI.BeginTx(defaultSPIClockHz); err != nil {
		u.finish(UploadResult{Corrupted: true})
		return
	}
	u.writeCASET(0, rgb565.Width-1)
	u.writePASET(0, rgb565.Height-1)
	u.state = stateArmed
	u.enterArmed()
}

func (u *Uploader) enterArmed() {
	u.state = stateArmed
	if u.cfg.VsyncSpacing >= 1 {
		deadline := u.timeframestart + int64(float64(u.cfg.VsyncSpacing-1)*u.cfg.Oracle.Period())
		if delay := deadline - u.cfg.Clock.NowMicros(); delay > 0 {
			u.suspendCPU()
			u.cancel = u.cfg.Timer.OneShotIn(time.Duration(delay)*time.Microsecond, u.enterWaitScan)
			return
		}
	}
	u.enterWaitScan()
}

func (u *Uploader) enterWaitScan() {
	u.resumeCPU()
	u.state = stateWaitScan
	o := u.cfg.Oracle
	lsr := u.effectiveLateStartRatio()
	scLimit := int(float64(u.slinitpos) + float64(319-u.slinitpos)*lsr)
	if scLimit > 319 {
		scLimit = 319
	}
	if scLimit < 0 {
		scLimit = 0
	}
	wait := o.MicrosToReach(u.slinitpos, false)
	if alt := o.MicrosToReach(scLimit, true); alt < wait {
		wait = alt
	}
	u.suspendCPU()
	u.cancel = u.cfg.Timer.OneShotIn(time.Duration(wait)*time.Microsecond, u.waitScanBusyExit)
}

// waitScanBusyExit re-polls until the scan has actually left [0,slinitpos],
// i.e. this frame's sweep has genuinely begun, before resyncing.
func (u *Uploader) waitScanBusyExit() {
	u.resumeCPU()
	o := u.cfg.Oracle
	if d := o.MicrosToExit(0, u.slinitpos, true); d > 0 {
		u.suspendCPU()
		u.cancel = u.cfg.Timer.OneShotIn(time.Duration(d)*time.Microsecond, u.waitScanBusyExit)
		return
	}
	u.resyncAndRun()
}

func (u *Uploader) resyncAndRun() {
	o := u.cfg.Oracle
	u.slinitpos = o.Scanline(false)
	u.emAsyncStart = u.cfg.Clock.NowMicros()
	tfs := u.cfg.Clock.NowMicros() + int64(o.MicrosToReach(0, false))
	if o.Period() > 0 {
		u.lastDelta = int(math.Round(float64(tfs-u.timeframestart) / o.Period()))
	}
	u.timeframestart = tfs
	u.runCurrent()
}

func (u *Uploader) runCurrent() {
	u.state = stateDMARun
	if u.curX != u.prevX {
		u.writeCASET(u.curX, rgb565.Width-1)
		u.prevX = u.curX
	}
	if u.curY != u.prevY {
		u.writePASET(u.curY, rgb565.Height-1)
		u.prevY = u.curY
	}
	u.cfg.SPI.WriteCmd8(cmdRAMWR)
	u.lastY = u.curY + (u.curX+u.curLen-1)/rgb565.Width
	u.transactions++
	u.pixels += u.curLen
	src := newPixelRun(u.fb, u.rot, u.curX, u.curY, u.curLen)
	u.suspendCPU()
	u.cfg.SPI.ArmPixelDMA(src, u.onDMAComplete)
}

func (u *Uploader) onDMAComplete() {
	u.resumeCPU()
	o := u.cfg.Oracle
	emAsync := float64(u.cfg.Clock.NowMicros() - u.emAsyncStart)
	var predicted float64
	if o.Period() > 0 {
		predicted = emAsync * 320 / o.Period()
	}
	m := u.lastY + 320 - u.slinitpos - int(predicted)
	if m < u.margin {
		u.margin = m
	}
	u.consumeNext()
}

// consumeNext is DMA_RUN's "read next run" step, shared between the
// completion-interrupt path and the WAIT_GAP timer firing (spec §4.4: the
// latter re-enters "the DMA_RUN step without DMA rearm").
func (u *Uploader) consumeNext() {
	u.resumeCPU()
	o := u.cfg.Oracle
	emAsync := float64(u.cfg.Clock.NowMicros() - u.emAsyncStart)
	var predicted float64
	if o.Period() > 0 {
		predicted = emAsync * 320 / o.Period()
	}
	instant := int(float64(u.slinitpos) + predicted)
	if instant >= rgb565.Height {
		instant %= rgb565.Height
	}
	x, y, length, r := u.reader.Read(instant)
	switch {
	case r < 0:
		u.finish(UploadResult{Margin: u.margin, LastDelta: u.lastDelta})
	case r > 0:
		delay := o.TimeForScanlines(r - instant + 1)
		if time.Duration(delay)*time.Microsecond < minWait {
			delay = float64(minWait / time.Microsecond)
		}
		u.state = stateWaitGap
		u.suspendCPU()
		u.cancel = u.cfg.Timer.OneShotIn(time.Duration(delay)*time.Microsecond, u.consumeNext)
	default:
		u.curX, u.curY, u.curLen = x, y, length
		u.runCurrent()
	}
}

func (u *Uploader) finish(res UploadResult) {
	u.state = stateFinish
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
	u.suspendCPU()
	u.cfg.SPI.EndTx()

	res.CPUTime = time.Duration(u.cpuAccum) * time.Microsecond
	res.UploadTime = time.Duration(u.cfg.Clock.NowMicros()-u.beginAt) * time.Microsecond
	res.Pixels = u.pixels
	res.Transactions = u.transactions

	u.fb = nil
	u.reader = nil

	u.busyMu.Lock()
	u.state = stateIdle
	u.busyCond.Broadcast()
	u.busyMu.Unlock()

	cb := u.onDone
	u.onDone = nil
	if cb != nil {
		cb(res)
	}
}

func (u *Uploader) writeCASET(x0, x1 int) {
	u.cfg.SPI.WriteCmd8(cmdCASET)
	u.cfg.SPI.WriteData16(uint16(x0))
	u.cfg.SPI.WriteData16(uint16(x1))
}

func (u *Uploader) writePASET(y0, y1 int) {
	u.cfg.SPI.WriteCmd8(cmdPASET)
	u.cfg.SPI.WriteData16(uint16(y0))
	u.cfg.SPI.WriteData16(uint16(y1))
}
