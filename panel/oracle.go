package panel

import "time"

// minSampleFrames is how many complete periods Sample measures: it waits
// for minSampleFrames+1 scanline-0 edges before averaging (spec §4.1:
// "sampled over N≥10 frames").
const minSampleFrames = 10

// Oracle is the panel timing oracle (C1): a single unified estimate of the
// panel's scan phase that every other component's timing decisions are
// made against, so nothing but the oracle itself ever reads the scanline
// register.
type Oracle struct {
	clock Clock
	src   ScanlineSource

	// ReadTimeout bounds a synced scanline query; zero means wait
	// indefinitely. A timed-out query is absorbed silently: the oracle
	// keeps its last known phase (spec §7, ScanlineReadTimeout).
	ReadTimeout time.Duration

	period float64 // P, microseconds; 0 until the first Sample

	syncedScanline int
	syncedAt       int64 // NowMicros() at the moment syncedScanline was observed
}

// NewOracle constructs an Oracle against src and clock. Period is left at 0
// (meaning "unknown") until Sample is called.
func NewOracle(src ScanlineSource, clock Clock) *Oracle {
	return &Oracle{src: src, clock: clock}
}

// Period returns the current period estimate, updated only by Sample.
func (o *Oracle) Period() float64 { return o.period }

// remapScanline converts the panel's raw [0,161] reply into a row in
// [0,319], absorbing slack into row 0 (spec §4.1).
func remapScanline(raw int) int {
	s := 2*raw - 3
	if s < 0 {
		s = 0
	}
	return s
}

// Sample blocks until it has observed enough scanline-0 edges to estimate
// the panel period as their mean interval, then updates Period(). It is
// meant to be called once at configuration time (or after any refresh-mode
// change), not from a hot path.
func (o *Oracle) Sample() {
	var edges []int64
	last := -1
	for len(edges) < minSampleFrames+1 {
		raw, ok := o.src.QueryScanline(o.ReadTimeout)
		if !ok {
			continue
		}
		s := remapScanline(raw)
		if s == 0 && last != 0 {
			edges = append(edges, o.clock.NowMicros())
		}
		last = s
	}
	var sum int64
	for i := 1; i < len(edges); i++ {
		sum += edges[i] - edges[i-1]
	}
	o.period = float64(sum) / float64(len(edges)-1)
	o.syncedScanline = 0
	o.syncedAt = edges[len(edges)-1]
}

func (o *Oracle) predicted() int {
	if o.period <= 0 {
		return o.syncedScanline
	}
	em := float64(o.clock.NowMicros() - o.syncedAt)
	s := (float64(o.syncedScanline) + em*320/o.period)
	s -= 320 * float64(int64(s/320))
	if s < 0 {
		s += 320
	}
	return int(s)
}

// Scanline returns the current row in [0,319]. With sync=false it returns
// the prediction from the last synced observation; with sync=true it
// re-queries the panel and rebases the prediction on the fresh reading.
func (o *Oracle) Scanline(sync bool) int {
	if !sync {
		return o.predicted()
	}
	raw, ok := o.src.QueryScanline(o.ReadTimeout)
	if !ok {
		return o.predicted()
	}
	o.syncedScanline = remapScanline(raw)
	o.syncedAt = o.clock.NowMicros()
	return o.syncedScanline
}

// MicrosToReach returns the forward distance, in microseconds, to scanline
// s in the 320-scanline cycle (0 if the oracle already believes it is at
// s).
func (o *Oracle) MicrosToReach(s int, sync bool) int64 {
	cur := o.Scanline(sync)
	dist := (s - cur + 320) % 320
	return int64(o.TimeForScanlines(dist))
}

// MicrosToExit returns 0 if the current scanline lies outside [a,b], else
// the time remaining until it exits that range.
func (o *Oracle) MicrosToExit(a, b int, sync bool) int64 {
	cur := o.Scanline(sync)
	if cur < a || cur > b {
		return 0
	}
	dist := (b + 1 - cur + 320) % 320
	return int64(o.TimeForScanlines(dist))
}

// TimeForScanlines converts a count of scanlines into microseconds at the
// current period estimate.
func (o *Oracle) TimeForScanlines(n int) float64 {
	return float64(n) * o.period / 320
}
