// Package periphspi implements the panel.SPI, panel.Timer, panel.Clock, and
// panel.ScanlineSource capabilities over periph.io/x/conn, so the core can be
// driven and tested against a real ILI9341 on a Linux SPI bus (or against
// periph's own simulated ports) without TinyGo.
package periphspi

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"ili9341fb.dev/panel"
)

// cmdGetScanline is the ILI9341's scanline status query; it lives here
// rather than in the panel package since it is purely a transport-level
// detail of how this backend answers panel.ScanlineSource.
const cmdGetScanline = 0x45

// Config names the SPI port and GPIO pins a Backend binds to.
type Config struct {
	// SPIName is passed to spireg.Open; "" selects the first available port.
	SPIName string
	// ClockHz is the initial bus speed requested at Open.
	ClockHz uint32
	// DC is the data/command pin, required.
	DC gpio.PinOut
	// RST is the optional hardware reset pin; if set, Open pulses it.
	RST gpio.PinOut
}

// Backend is a panel.SPI + panel.Timer + panel.Clock + panel.ScanlineSource
// implementation over a real or simulated periph.io SPI port. One Backend
// serves a single Device; like the teacher's lcd.LCD, it keeps no state past
// the open connection and a reusable pixel transmit buffer.
type Backend struct {
	port spi.PortCloser
	conn spi.Conn
	dc   gpio.PinOut

	clockHz uint32
	txBuf   []byte

	start time.Time
}

// Open registers periph's host drivers, opens the named SPI port at
// cfg.ClockHz, and (if cfg.RST is set) pulses the panel's hardware reset,
// mirroring the teacher's lcd.Open/setup sequence.
func Open(cfg Config) (*Backend, error) {
	if cfg.DC == nil {
		return nil, fmt.Errorf("periphspi: Config.DC is required")
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periphspi: %w", err)
	}
	p, err := spireg.Open(cfg.SPIName)
	if err != nil {
		return nil, fmt.Errorf("periphspi: %w", err)
	}
	clockHz := cfg.ClockHz
	if clockHz == 0 {
		clockHz = 40_000_000
	}
	c, err := p.Connect(physic.Frequency(clockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("periphspi: %w", err)
	}

	b := &Backend{port: p, conn: c, dc: cfg.DC, clockHz: clockHz, start: time.Now()}
	maxTx := 4096
	if lim, ok := c.(conn.Limits); ok {
		maxTx = lim.MaxTxSize()
	}
	b.txBuf = make([]byte, maxTx)

	if cfg.RST != nil {
		cfg.RST.Out(gpio.High)
		time.Sleep(10 * time.Millisecond)
		cfg.RST.Out(gpio.Low)
		time.Sleep(10 * time.Millisecond)
		cfg.RST.Out(gpio.High)
		time.Sleep(120 * time.Millisecond)
	}
	return b, nil
}

// Close releases the underlying SPI port.
func (b *Backend) Close() error { return b.port.Close() }

// SPI.

// BeginTx reconnects at clockHz if it differs from the port's current
// speed. periph.io's spi.Port.Connect is documented safe to call again on
// the same port to change parameters; there is no separate "begin
// transaction" primitive to wrap otherwise.
func (b *Backend) BeginTx(clockHz uint32) error {
	if clockHz == 0 || clockHz == b.clockHz {
		return nil
	}
	c, err := b.port.Connect(physic.Frequency(clockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		return fmt.Errorf("periphspi: BeginTx: %w", err)
	}
	b.conn = c
	b.clockHz = clockHz
	return nil
}

func (b *Backend) EndTx() {}

func (b *Backend) WriteCmd8(cmd byte) {
	b.dc.Out(gpio.Low)
	b.conn.Tx([]byte{cmd}, nil)
}

func (b *Backend) WriteData8(v byte) {
	b.dc.Out(gpio.High)
	b.conn.Tx([]byte{v}, nil)
}

func (b *Backend) WriteData16(w uint16) {
	b.dc.Out(gpio.High)
	b.conn.Tx([]byte{byte(w >> 8), byte(w)}, nil)
}

// ReadCmd8 sends cmd, then clocks out index+2 bytes, discarding the
// controller's mandatory dummy clock byte and keeping the index-th byte
// after it.
func (b *Backend) ReadCmd8(cmd byte, index int, timeout time.Duration) (byte, bool) {
	b.dc.Out(gpio.Low)
	if err := b.conn.Tx([]byte{cmd}, nil); err != nil {
		return 0, false
	}
	b.dc.Out(gpio.High)
	rx := make([]byte, index+2)
	if err := b.conn.Tx(make([]byte, len(rx)), rx); err != nil {
		return 0, false
	}
	return rx[index+1], true
}

// ArmPixelDMA drains src into the reusable transmit buffer and issues it in
// chunks sized to the port's transaction limit, on a dedicated goroutine so
// the call returns immediately as panel.SPI requires; onComplete fires once
// every chunk has been written.
func (b *Backend) ArmPixelDMA(src panel.PixelSource, onComplete func()) {
	go func() {
		b.dc.Out(gpio.High)
		n := src.Len()
		buf := b.txBuf
		for i := 0; i < n; {
			chunk := 0
			for chunk+2 <= len(buf) && i < n {
				w := src.Next()
				buf[chunk] = byte(w >> 8)
				buf[chunk+1] = byte(w)
				chunk += 2
				i++
			}
			b.conn.Tx(buf[:chunk], nil)
		}
		onComplete()
	}()
}

// Timer.

func (b *Backend) OneShotIn(d time.Duration, cb func()) panel.Cancel {
	t := time.AfterFunc(d, cb)
	return func() { t.Stop() }
}

func (b *Backend) OneShotAt(deadline int64, cb func()) panel.Cancel {
	return b.OneShotIn(time.Duration(deadline-b.NowMicros())*time.Microsecond, cb)
}

// Clock.

func (b *Backend) NowMicros() int64 {
	return time.Since(b.start).Microseconds()
}

// ScanlineSource.

func (b *Backend) QueryScanline(timeout time.Duration) (int, bool) {
	v, ok := b.ReadCmd8(cmdGetScanline, 0, timeout)
	return int(v), ok
}
