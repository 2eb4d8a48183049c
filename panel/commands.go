package panel

// ILI9341 command bytes. Names follow the controller datasheet.
const (
	cmdNOP       = 0x00
	cmdSWRESET   = 0x01
	cmdRDDIDIF   = 0x04
	cmdRDDST     = 0x09
	cmdRDMODE    = 0x0a
	cmdRDMADCTL  = 0x0b
	cmdRDPIXFMT  = 0x0c
	cmdRDIMGFMT  = 0x0d
	cmdRDSELFDIAG = 0x0f

	cmdSLPIN  = 0x10
	cmdSLPOUT = 0x11
	cmdPTLON  = 0x12
	cmdNORON  = 0x13

	cmdINVOFF  = 0x20
	cmdINVON   = 0x21
	cmdGAMMASET = 0x26
	cmdDISPOFF = 0x28
	cmdDISPON  = 0x29

	cmdCASET    = 0x2a
	cmdPASET    = 0x2b
	cmdRAMWR    = 0x2c
	cmdRAMRD    = 0x2e
	cmdPLTAR    = 0x30
	cmdVSCRDEF  = 0x33
	cmdMADCTL   = 0x36
	cmdVSCRSADD = 0x37
	cmdPIXFMT   = 0x3a

	cmdFRMCTR1 = 0xb1
	cmdFRMCTR2 = 0xb2
	cmdFRMCTR3 = 0xb3
	cmdINVCTR  = 0xb4
	cmdDFUNCTR = 0xb6

	cmdPWCTR1 = 0xc0
	cmdPWCTR2 = 0xc1
	cmdVMCTR1 = 0xc5
	cmdVMCTR2 = 0xc7

	// cmdGETSCANLINE queries the current row the panel's internal refresh
	// counter is scanning, per spec §4.1: the reply is a raw value in
	// [0,161] that the timing oracle remaps to a row in [0,319].
	cmdGETSCANLINE = 0x45
)

// MADCTL bits.
const (
	madctlMY  = 1 << 7 // row address order
	madctlMX  = 1 << 6 // column address order
	madctlMV  = 1 << 5 // row/column exchange
	madctlML  = 1 << 4 // vertical refresh order
	madctlBGR = 1 << 3 // RGB/BGR order
	madctlMH  = 1 << 2 // horizontal refresh order
)

// madctlForRotation returns the MADCTL byte that makes the controller's own
// scan order match a given display rotation, so window writes addressed in
// canonical (unrotated) coordinates land in the right place on glass.
func madctlForRotation(rot uint8) byte {
	switch rot & 3 {
	case 1:
		return madctlMV | madctlMY | madctlBGR
	case 2:
		return madctlMX | madctlMY | madctlBGR
	case 3:
		return madctlMV | madctlMX | madctlBGR
	default:
		return madctlBGR
	}
}

// refreshRate returns the panel's vertical refresh rate in Hz for a given
// FRMCTR1 mode (the controller's internal divider selector, 0..31) and p0,
// its reference oscillator period in microseconds, per the original
// driver's refresh-mode formula:
//
//	f = (1/p0) * 16 / (16 + mPrime)
//
// where mPrime = mode for mode < 16 and mode-16 for mode >= 16, and the
// result is additionally halved for mode >= 16 (the controller doubles its
// line count in that range).
func refreshRate(mode uint8, p0Micros float64) float64 {
	mPrime := float64(mode & 0x0f)
	f := (1e6 / p0Micros) * 16 / (16 + mPrime)
	if mode >= 16 {
		f /= 2
	}
	return f
}

// frmctr1ForRate picks the FRMCTR1 mode whose refreshRate is closest to
// target, among the 32 representable modes.
func frmctr1ForRate(targetHz, p0Micros float64) uint8 {
	best := uint8(0)
	bestDelta := -1.0
	for m := 0; m < 32; m++ {
		r := refreshRate(uint8(m), p0Micros)
		delta := r - targetHz
		if delta < 0 {
			delta = -delta
		}
		if bestDelta < 0 || delta < bestDelta {
			bestDelta = delta
			best = uint8(m)
		}
	}
	return best
}
