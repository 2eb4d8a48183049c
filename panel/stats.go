package panel

import "ili9341fb.dev/diff"

// Stats accumulates per-frame metrics across completed uploads (C6). It
// never retains individual frames, only running aggregates, mirroring the
// same StatsVar-style accumulator the diff package keeps for buffer sizes.
type Stats struct {
	framesCompleted uint32
	tearedFrames     uint32
	corruptedFrames  uint32
	droppedFrames    uint32

	CPUTime      diff.RunningStat
	UploadTime   diff.RunningStat
	Margin       diff.RunningStat
	LastDelta    diff.RunningStat
	Pixels       diff.RunningStat
	Transactions diff.RunningStat
}

// Record folds one completed upload's result into the running aggregates.
// Corrupted results are counted but excluded from the numeric aggregates,
// since they carry no meaningful pixel/timing data.
func (s *Stats) Record(res UploadResult) {
	if res.Corrupted {
		s.corruptedFrames++
		return
	}
	s.framesCompleted++
	if res.Margin < 0 {
		s.tearedFrames++
	}
	s.CPUTime.Push(float64(res.CPUTime.Microseconds()))
	s.UploadTime.Push(float64(res.UploadTime.Microseconds()))
	s.Margin.Push(float64(res.Margin))
	s.LastDelta.Push(float64(res.LastDelta))
	s.Pixels.Push(float64(res.Pixels))
	s.Transactions.Push(float64(res.Transactions))
}

// RecordDrop notes a frame dropped by the buffering coordinator under
// vsync_spacing == -1 (spec §4.5); it never reached the uploader at all.
func (s *Stats) RecordDrop() { s.droppedFrames++ }

func (s Stats) FramesCompleted() uint32 { return s.framesCompleted }
func (s Stats) CorruptedFrames() uint32 { return s.corruptedFrames }
func (s Stats) DroppedFrames() uint32   { return s.droppedFrames }
func (s Stats) TearedFrames() uint32    { return s.tearedFrames }

// TearRatio returns the fraction, in [0,1], of completed (non-corrupted,
// non-dropped) frames that teared.
func (s Stats) TearRatio() float64 {
	if s.framesCompleted == 0 {
		return 0
	}
	return float64(s.tearedFrames) / float64(s.framesCompleted)
}

// Reset clears all accumulated statistics.
func (s *Stats) Reset() { *s = Stats{} }
