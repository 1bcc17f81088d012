package race

import (
	"sync/atomic"

	"github.com/trackside-data/lapline/internal/rfid"
)

// Debouncer suppresses repeat detections of the same tag at the same reader
// inside that reader's anti-bounce window. A tag crossing a multi-antenna
// gate produces a burst of near-identical reads; only the first one in the
// window counts.
//
// Debouncer is not safe for concurrent use. The pipeline runs it from a
// single consumer goroutine.
type Debouncer struct {
	windows    map[string]float64 // reader ID -> window seconds
	defaultWin float64
	last       map[debounceKey]int64 // unix nanos of last accepted read
	suppressed atomic.Uint64
}

type debounceKey struct {
	readerID string
	epc      string
}

// NewDebouncer builds a filter with the given default window in seconds.
// A window of zero or less accepts every read.
func NewDebouncer(defaultWindow float64) *Debouncer {
	return &Debouncer{
		windows:    make(map[string]float64),
		defaultWin: defaultWindow,
		last:       make(map[debounceKey]int64),
	}
}

// SetWindow overrides the anti-bounce window for one reader.
func (d *Debouncer) SetWindow(readerID string, seconds float64) {
	d.windows[readerID] = seconds
}

// Accept reports whether the event passes the filter, recording it as the
// new last-accepted read when it does. Events for distinct readers or
// distinct EPCs never suppress each other.
func (d *Debouncer) Accept(ev rfid.TagEvent) bool {
	win := d.defaultWin
	if w, ok := d.windows[ev.ReaderID]; ok {
		win = w
	}
	if win <= 0 {
		return true
	}

	key := debounceKey{readerID: ev.ReaderID, epc: ev.EPC}
	ts := ev.Timestamp.UnixNano()
	if prev, ok := d.last[key]; ok {
		if float64(ts-prev)/1e9 < win {
			d.suppressed.Add(1)
			return false
		}
	}
	d.last[key] = ts
	return true
}

// Suppressed returns the number of reads rejected since construction or the
// last Reset.
func (d *Debouncer) Suppressed() uint64 {
	return d.suppressed.Load()
}

// Reset clears the last-accepted state and the suppressed counter.
func (d *Debouncer) Reset() {
	d.last = make(map[debounceKey]int64)
	d.suppressed.Store(0)
}
