// Package rfid defines the normalized tag detection event shared by all
// reader transports and the race pipeline.
package rfid

import (
	"fmt"
	"strings"
	"time"
)

// TagEvent is a single tag detection, normalized across transports. It is
// immutable once emitted by a reader session.
type TagEvent struct {
	ReaderID    string    `json:"reader_id"`
	EPC         string    `json:"epc"`
	Timestamp   time.Time `json:"timestamp"`
	AntennaPort *int      `json:"antenna_port,omitempty"`
	RSSI        *float64  `json:"rssi,omitempty"`
}

func (e TagEvent) String() string {
	s := fmt.Sprintf("epc=%s reader=%s t=%s", e.EPC, e.ReaderID, e.Timestamp.Format(time.RFC3339Nano))
	if e.AntennaPort != nil {
		s += fmt.Sprintf(" antenna=%d", *e.AntennaPort)
	}
	if e.RSSI != nil {
		s += fmt.Sprintf(" rssi=%.1f", *e.RSSI)
	}
	return s
}

// MinEPCLength is the shortest EPC accepted from any transport. Anything
// shorter is reader chatter, not a tag.
const MinEPCLength = 4

// NormalizeEPC validates a raw EPC string and returns its canonical
// upper-case hex form. EPCs from serial and TCP readers arrive as ASCII hex;
// the Wiegand decoder produces them directly in this form.
func NormalizeEPC(raw string) (string, error) {
	epc := strings.ToUpper(strings.TrimSpace(raw))
	if len(epc) < MinEPCLength {
		return "", fmt.Errorf("epc %q too short: need at least %d hex digits", raw, MinEPCLength)
	}
	for _, r := range epc {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return "", fmt.Errorf("epc %q is not a hex string", raw)
		}
	}
	return epc, nil
}
