//go:build tinygo

// Package ft6x36 implements a TinyGo driver for the ft6x36 capacitive touch
// controller, adapted to satisfy panel.Touch's narrow ReadPoint contract.
//
// Datasheet: https://www.buydisplay.com/download/ic/FT6236-FT6336-FT6436L-FT6436_Datasheet.pdf
package ft6x36

import "machine"

// Device is a panel.Touch implementation over I2C. The panel core never
// imports this package directly; a caller wires it in via panel.Config.Touch
// alongside an rp2040.Device for SPI/timer/clock/cache/scanline duties.
type Device struct {
	bus *machine.I2C
	// Allocate enough space for a touch event read.
	buf [1 + 5]byte
}

func New(bus *machine.I2C) *Device {
	return &Device{bus: bus}
}

const (
	address = 0x38

	regTDStatus = 0x02
)

// ReadPoint implements panel.Touch: it reports the first active touch
// point's coordinates, or pressed=false if the controller has nothing
// to report (status byte 0 or 0xff, per the datasheet).
func (d *Device) ReadPoint() (x, y int, pressed bool) {
	wr := d.buf[:1]
	rd := d.buf[1:]
	wr[0] = regTDStatus
	if err := d.bus.Tx(address, wr, rd); err != nil {
		return 0, 0, false
	}
	switch rd[0] {
	case 0, 255:
		return 0, 0, false
	}
	x = int(rd[1]&0x0f)<<8 + int(rd[2])
	y = int(rd[3]&0x0f)<<8 + int(rd[4])
	return x, y, true
}
