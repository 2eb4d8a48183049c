package panel

import "errors"

// Sentinel errors returned by Device methods. Wrap with fmt.Errorf("...: %w")
// when adding context; callers should compare with errors.Is.
var (
	// ErrInitPanel is returned by Begin when the panel never came back from
	// reset, or its self-diagnostic readback never matched an expected
	// value after the retry budget was spent.
	ErrInitPanel = errors.New("panel: initialization failed")

	// ErrInvalidPins names an invalid pin assignment. panel.Config carries
	// no pins, and no function in this package returns it.
	ErrInvalidPins = errors.New("panel: invalid pin assignment")

	// ErrMissingFramebuffers names a buffering mode with too few
	// framebuffers. No function in this package returns it: New derives
	// the buffering mode from len(Config.Framebuffers).
	ErrMissingFramebuffers = errors.New("panel: not enough framebuffers for requested buffering mode")

	// ErrMissingDiffBuffers is the diff-buffer analogue of
	// ErrMissingFramebuffers. No function in this package returns it: with
	// too few diff buffers the coordinator uploads dummy full redraws.
	ErrMissingDiffBuffers = errors.New("panel: not enough diff buffers for requested buffering mode")

	// ErrScanlineTimeout names a scanline query that did not complete
	// within the configured timeout. No function in this package returns
	// it: the oracle absorbs a timed-out query and keeps its last phase.
	ErrScanlineTimeout = errors.New("panel: scanline query timed out")

	// ErrUploadCorrupted is returned by Update when the uploader ended a
	// frame as corrupted: the diff's first read was not a run, or the SPI
	// transaction could not begin. The mirror is left exactly as it was
	// before the upload started; the caller should retry on the next
	// Update.
	ErrUploadCorrupted = errors.New("panel: upload corrupted, mirror left unchanged")

	// ErrNotConfigured is returned by any Device method that requires
	// Begin to have succeeded first.
	ErrNotConfigured = errors.New("panel: device not configured")
)
