package progress

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Unknown is the Total of a sample whose size was never reported.
const Unknown int64 = -1

// Sample is one progress observation of a transfer.
type Sample struct {
	Downloaded int64         `json:"downloaded"`
	Total      int64         `json:"total"`
	Speed      float64       `json:"speed"`
	AvgSpeed   float64       `json:"avgSpeed"`
	Percent    int           `json:"percent"`
	Elapsed    time.Duration `json:"elapsed"`
	Done       bool          `json:"done"`
}

// Meter accumulates byte counts and emits throttled samples. A Meter is
// owned by a single transfer and is not safe for concurrent use.
type Meter struct {
	total      int64
	downloaded int64
	start      time.Time
	lastAt     time.Time
	lastBytes  int64
	gate       rate.Sometimes
	now        func() time.Time
}

// NewMeter creates a meter for a transfer of total bytes (Unknown if not
// known) that emits at most one sample per interval.
func NewMeter(total int64, interval time.Duration) *Meter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if total < 0 {
		total = Unknown
	}
	m := &Meter{
		total: total,
		gate:  rate.Sometimes{Interval: interval},
		now:   time.Now,
	}
	m.start = m.now()
	m.lastAt = m.start
	return m
}

// SetTotal replaces the expected size, for example when it was only an
// estimate and the real count is known.
func (m *Meter) SetTotal(total int64) {
	if total < 0 {
		total = Unknown
	}
	m.total = total
}

// Downloaded returns the bytes counted so far.
func (m *Meter) Downloaded() int64 {
	return m.downloaded
}

// Add counts n bytes and returns a sample if the interval has elapsed since
// the last emitted one.
func (m *Meter) Add(n int64) (Sample, bool) {
	m.downloaded += n

	var (
		s       Sample
		emitted bool
	)
	m.gate.Do(func() {
		s = m.sample(false)
		emitted = true
	})
	return s, emitted
}

// Finish returns the final sample. Percent is 100 and Total is set to the
// downloaded count when the size was never reported.
func (m *Meter) Finish() Sample {
	if m.total == Unknown {
		m.total = m.downloaded
	}
	return m.sample(true)
}

func (m *Meter) sample(done bool) Sample {
	now := m.now()

	// Calculate speed over the interval
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(m.downloaded-m.lastBytes) / elapsed
	m.lastAt = now
	m.lastBytes = m.downloaded

	total := now.Sub(m.start)
	var avg float64
	if secs := total.Seconds(); secs > 0 {
		avg = float64(m.downloaded) / secs
	}

	s := Sample{
		Downloaded: m.downloaded,
		Total:      m.total,
		Speed:      speed,
		AvgSpeed:   avg,
		Elapsed:    total,
		Done:       done,
	}
	if done {
		s.Percent = 100
	} else {
		s.Percent = Percent(m.downloaded, m.total)
	}
	return s
}

// Percent returns the streaming percentage for downloaded out of total. A
// known total is rounded and capped at 99; an unknown total yields Estimate.
func Percent(downloaded, total int64) int {
	if total < 0 {
		return Estimate(downloaded)
	}
	if total == 0 {
		return 0
	}
	p := int(math.Round(float64(downloaded) / float64(total) * 100))
	return min(99, max(0, p))
}

// Estimate is a visual percentage for a transfer of unknown size: one
// percent per 5 MiB, capped at 95.
func Estimate(downloaded int64) int {
	const step = 5 * 1024 * 1024
	return min(95, int(downloaded/step))
}
