package panel

import (
	"container/heap"
	"math"
	"sync"
	"time"

	"ili9341fb.dev/image/rgb565"
)

// fakeHAL is a single virtual-clock simulated SPI+timer+scanline harness,
// in the spirit of driver/mjolnir's channel-driven hardware Simulator: a
// background goroutine is the sole authority over time, letting the test
// goroutine block on a real channel (as the buffering coordinator does)
// while simulated timers and DMA completions still fire.
type fakeHAL struct {
	mu   sync.Mutex
	cond *sync.Cond

	now    int64
	period float64 // simulated panel period, microseconds
	bytesPerMicro float64

	timers timerHeap
	seq    int
	closed bool

	diagReadback map[byte]byte

	spiActive     bool
	cmds          []byte
	pixelsWritten int
}

// queryCost is the simulated microsecond cost of one scanline status read,
// which is also what drives Oracle.Sample's busy-loop forward in virtual
// time (real hardware's equivalent progress comes from the SPI transaction
// itself taking wall-clock time).
const queryCost = 20

func newFakeHAL(period float64) *fakeHAL {
	h := &fakeHAL{
		period:        period,
		bytesPerMicro: 4, // ~32Mbit/s effective, generous for test speed
		diagReadback: map[byte]byte{
			cmdRDMODE:     0x9c,
			cmdRDPIXFMT:   0x05,
			cmdRDIMGFMT:   0x00,
			cmdRDSELFDIAG: 0xc0,
		},
	}
	h.cond = sync.NewCond(&h.mu)
	go h.run()
	return h
}

// setThroughput adjusts the simulated DMA transfer rate; exposed as a
// locked setter so tests can slow it down without racing the pump
// goroutine's own locked reads in ArmPixelDMA.
func (h *fakeHAL) setThroughput(bytesPerMicro float64) {
	h.mu.Lock()
	h.bytesPerMicro = bytesPerMicro
	h.mu.Unlock()
}

func (h *fakeHAL) Close() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

type timerEntry struct {
	fireAt    int64
	seq       int
	cb        func()
	cancelled bool
}

type timerHeap []*timerEntry

func (q timerHeap) Len() int { return len(q) }
func (q timerHeap) Less(i, j int) bool {
	if q[i].fireAt != q[j].fireAt {
		return q[i].fireAt < q[j].fireAt
	}
	return q[i].seq < q[j].seq
}
func (q timerHeap) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *timerHeap) Push(x any)        { *q = append(*q, x.(*timerEntry)) }
func (q *timerHeap) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// run pops the earliest non-cancelled timer, advances the virtual clock to
// its fire time, and invokes it outside the lock so the callback is free
// to schedule further timers of its own.
func (h *fakeHAL) run() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		if h.closed {
			return
		}
		if len(h.timers) == 0 {
			h.cond.Wait()
			continue
		}
		e := h.timers[0]
		if e.cancelled {
			heap.Pop(&h.timers)
			continue
		}
		h.now = e.fireAt
		heap.Pop(&h.timers)
		h.mu.Unlock()
		e.cb()
		h.mu.Lock()
	}
}

func (h *fakeHAL) scheduleAt(at int64, cb func()) Cancel {
	h.mu.Lock()
	h.seq++
	e := &timerEntry{fireAt: at, seq: h.seq, cb: cb}
	heap.Push(&h.timers, e)
	h.cond.Broadcast()
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		e.cancelled = true
		h.mu.Unlock()
	}
}

// Timer.
func (h *fakeHAL) OneShotIn(d time.Duration, cb func()) Cancel {
	return h.scheduleAt(h.NowMicros()+int64(d/time.Microsecond), cb)
}
func (h *fakeHAL) OneShotAt(deadline int64, cb func()) Cancel {
	return h.scheduleAt(deadline, cb)
}

// Clock.
func (h *fakeHAL) NowMicros() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// ScanlineSource. The simulated panel sweeps its 320 scanlines in lockstep
// with the virtual clock at h.period; QueryScanline also advances time by
// queryCost, which is what lets Oracle.Sample's edge-polling loop make
// forward progress without a real sleep.
func (h *fakeHAL) QueryScanline(timeout time.Duration) (int, bool) {
	h.mu.Lock()
	h.now += queryCost
	now, p := h.now, h.period
	h.mu.Unlock()
	if p <= 0 {
		return 0, true
	}
	row := int(math.Mod(float64(now), p) / p * 320)
	raw := (row + 3) / 2
	return raw, true
}

// SPI.
func (h *fakeHAL) BeginTx(clockHz uint32) error {
	h.mu.Lock()
	h.spiActive = true
	h.mu.Unlock()
	return nil
}
func (h *fakeHAL) EndTx() {
	h.mu.Lock()
	h.spiActive = false
	h.mu.Unlock()
}
func (h *fakeHAL) WriteCmd8(b byte) {
	h.mu.Lock()
	h.cmds = append(h.cmds, b)
	h.mu.Unlock()
}
func (h *fakeHAL) WriteData8(b byte)   {}
func (h *fakeHAL) WriteData16(w uint16) {}
func (h *fakeHAL) ReadCmd8(cmd byte, index int, timeout time.Duration) (byte, bool) {
	h.mu.Lock()
	v := h.diagReadback[cmd]
	h.mu.Unlock()
	return v, true
}
func (h *fakeHAL) ArmPixelDMA(src PixelSource, onComplete func()) {
	n := src.Len()
	for i := 0; i < n; i++ {
		src.Next()
	}
	h.mu.Lock()
	h.pixelsWritten += n
	micros := float64(n*2) / h.bytesPerMicro
	at := h.now + int64(micros)
	h.mu.Unlock()
	h.scheduleAt(at, onComplete)
}

// Cache.
func (h *fakeHAL) Flush(fb *rgb565.Framebuffer) {}
