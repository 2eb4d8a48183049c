//go:build tinygo && rp2350

// Package rp2040 wires the core panel package onto real RP2350 silicon:
// hardware SPI0 for command/data writes, a DMA channel chained to SPI0's TX
// FIFO for pixel bursts (driver/dma's channel-reservation and CTRL_TRIG
// chaining, the same technique the original PIO-driven 8080 bus transport
// used, retargeted at the hardware SPI peripheral), and machine.Pin for
// chip-select/data-command/reset.
package rp2040

import (
	"device/rp"
	"machine"
	"runtime"
	"time"
	"unsafe"

	"ili9341fb.dev/driver/dma"
	"ili9341fb.dev/image/rgb565"
	"ili9341fb.dev/panel"
)

// dreqSPI0TX is the RP2040/RP2350 DMA request index wired to SPI0's TX
// FIFO (datasheet table 2.5.3, "DMA DREQ Table"); unlike a PIO state
// machine's DREQ, which is computed dynamically per program, the hardware
// SPI peripheral's DREQ is a fixed silicon constant.
const dreqSPI0TX = 16

// Device is a panel.SPI + panel.Timer + panel.Clock + panel.Cache +
// panel.ScanlineSource backend over RP2350's hardware SPI0.
type Device struct {
	spi         *machine.SPI
	dc, cs, rst machine.Pin
	channel     dma.ChannelID
	start       time.Time
}

// Config names the pins a Device binds to. RST may be left machine.NoPin.
type Config struct {
	SPI      *machine.SPI
	DC, CS   machine.Pin
	RST      machine.Pin
	ClockHz  uint32
}

// New reserves a DMA channel and configures SPI0 at cfg.ClockHz, Mode0,
// MSB-first — the framing every ILI9341 SPI transport uses.
func New(cfg Config) (*Device, error) {
	ch, err := dma.Reserve()
	if err != nil {
		return nil, err
	}
	d := &Device{spi: cfg.SPI, dc: cfg.DC, cs: cfg.CS, rst: cfg.RST, channel: ch, start: time.Now()}

	for _, p := range []machine.Pin{d.dc, d.cs} {
		p.Configure(machine.PinConfig{Mode: machine.PinOutput})
		p.High()
	}
	clockHz := cfg.ClockHz
	if clockHz == 0 {
		clockHz = 40_000_000
	}
	if err := d.spi.Configure(machine.SPIConfig{
		Frequency: clockHz,
		Mode:      0,
		LSBFirst:  false,
	}); err != nil {
		return nil, err
	}

	if d.rst != machine.NoPin {
		d.rst.Configure(machine.PinConfig{Mode: machine.PinOutput})
		d.rst.High()
		time.Sleep(50 * time.Millisecond)
		d.rst.Low()
		time.Sleep(50 * time.Millisecond)
		d.rst.High()
		time.Sleep(50 * time.Millisecond)
	}
	return d, nil
}

// SPI.

// BeginTx lowers CS and, if clockHz differs from the last configured
// speed, reconfigures the peripheral.
func (d *Device) BeginTx(clockHz uint32) error {
	d.cs.Low()
	if clockHz == 0 {
		return nil
	}
	return d.spi.Configure(machine.SPIConfig{Frequency: clockHz, Mode: 0})
}

func (d *Device) EndTx() {
	d.waitDMA()
	d.cs.High()
}

func (d *Device) WriteCmd8(cmd byte) {
	d.dc.Low()
	d.spi.Transfer(cmd)
	d.dc.High()
}

func (d *Device) WriteData8(b byte) {
	d.spi.Transfer(b)
}

func (d *Device) WriteData16(w uint16) {
	d.spi.Transfer(byte(w >> 8))
	d.spi.Transfer(byte(w))
}

// ReadCmd8 sends cmd, then clocks index+2 dummy bytes out to read back,
// discarding the controller's mandatory first dummy clock.
func (d *Device) ReadCmd8(cmd byte, index int, timeout time.Duration) (byte, bool) {
	d.dc.Low()
	d.spi.Transfer(cmd)
	d.dc.High()
	var last byte
	for i := 0; i <= index+1; i++ {
		v, err := d.spi.Transfer(0)
		if err != nil {
			return 0, false
		}
		if i == index+1 {
			last = v
		}
	}
	return last, true
}

// ArmPixelDMA drains src into a scratch buffer sized to one scanline and
// chains the DMA channel into SPI0's TX FIFO exactly as driver/ili9488's
// Draw/waitDMA paced its PIO TX FIFO: INCR_READ, 8-bit halfword-free
// transfers paced by the SPI0 TX DREQ, chained back to itself until the
// whole run is queued, completion reported via onComplete once the engine
// drains.
func (d *Device) ArmPixelDMA(src panel.PixelSource, onComplete func()) {
	go func() {
		n := src.Len()
		var scratch [240 * 2]byte
		for i := 0; i < n; {
			chunk := 0
			for chunk+2 <= len(scratch) && i < n {
				w := src.Next()
				scratch[chunk] = byte(w >> 8)
				scratch[chunk+1] = byte(w)
				chunk += 2
				i++
			}
			d.dmaBurst(scratch[:chunk])
		}
		onComplete()
	}()
}

func (d *Device) dmaBurst(buf []byte) {
	ch := dma.ChannelAt(d.channel)
	ch.READ_ADDR.Set(uint32(uintptr(unsafe.Pointer(unsafe.SliceData(buf)))))
	ch.WRITE_ADDR.Set(uint32(uintptr(unsafe.Pointer(&rp.SPI0.SSPDR))))
	ch.TRANS_COUNT.Set(uint32(len(buf)))
	ch.CTRL_TRIG.Set(
		rp.DMA_CH0_CTRL_TRIG_INCR_READ |
			rp.DMA_CH0_CTRL_TRIG_DATA_SIZE_SIZE_BYTE<<rp.DMA_CH0_CTRL_TRIG_DATA_SIZE_Pos |
			uint32(dreqSPI0TX)<<rp.DMA_CH0_CTRL_TRIG_TREQ_SEL_Pos |
			rp.DMA_CH0_CTRL_TRIG_EN,
	)
	d.waitDMA()
}

func (d *Device) waitDMA() {
	ch := dma.ChannelAt(d.channel)
	for ch.CTRL_TRIG.Get()&rp.DMA_CH0_CTRL_TRIG_BUSY_Msk != 0 {
		runtime.Gosched()
	}
}

// Timer.

func (d *Device) OneShotIn(dur time.Duration, cb func()) panel.Cancel {
	t := time.AfterFunc(dur, cb)
	return func() { t.Stop() }
}

func (d *Device) OneShotAt(deadline int64, cb func()) panel.Cancel {
	return d.OneShotIn(time.Duration(deadline-d.NowMicros())*time.Microsecond, cb)
}

// Clock.

func (d *Device) NowMicros() int64 {
	return time.Since(d.start).Microseconds()
}

// Cache. RP2350's Cortex-M33 complex runs this driver's framebuffers
// uncached in the default TinyGo memory map, so there is nothing to flush;
// the method exists only to satisfy panel.Cache for targets that do cache.
func (d *Device) Flush(fb *rgb565.Framebuffer) {}

// ScanlineSource.

const cmdGetScanline = 0x45

func (d *Device) QueryScanline(timeout time.Duration) (int, bool) {
	d.cs.Low()
	defer d.cs.High()
	v, ok := d.ReadCmd8(cmdGetScanline, 0, timeout)
	return int(v), ok
}
