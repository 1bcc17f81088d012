package transport

import (
	"os"
	"testing"

	"github.com/trackside-data/lapline/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.Mute()
	os.Exit(m.Run())
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantEPC  string
		wantRSSI *float64
		wantAnt  *int
		wantErr  bool
	}{
		{name: "epc only", line: "E200123456789012\r", wantEPC: "E200123456789012"},
		{name: "epc and rssi", line: "E200123456789012,-61.5", wantEPC: "E200123456789012", wantRSSI: f64(-61.5)},
		{name: "epc rssi antenna", line: "E200123456789012,-61.5,2", wantEPC: "E200123456789012", wantRSSI: f64(-61.5), wantAnt: intp(2)},
		{name: "lowercase epc normalized", line: "e200aabbccdd0011", wantEPC: "E200AABBCCDD0011"},
		{name: "valid checksum", line: ChecksumFrame("E200123456789012,-61.5,2"), wantEPC: "E200123456789012", wantRSSI: f64(-61.5), wantAnt: intp(2)},
		{name: "checksum mismatch", line: "E200123456789012,-61.5,2*FF", wantErr: true},
		{name: "checksum not hex", line: "E200123456789012*ZZ", wantErr: true},
		{name: "checksum wrong width", line: "E200123456789012*1", wantErr: true},
		{name: "empty", line: "\r\n", wantErr: true},
		{name: "bad epc", line: "XYZ!,-60", wantErr: true},
		{name: "bad rssi", line: "E200123456789012,loud", wantErr: true},
		{name: "bad antenna", line: "E200123456789012,-61.5,two", wantErr: true},
		{name: "negative antenna", line: "E200123456789012,-61.5,-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLine(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseLine(%q) succeeded, want error", tt.line)
				}
				if !IsKind(err, FrameCorrupt) {
					t.Errorf("parseLine(%q) error = %v, want FrameCorrupt", tt.line, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseLine(%q) error: %v", tt.line, err)
			}
			if got.EPC != tt.wantEPC {
				t.Errorf("EPC = %q, want %q", got.EPC, tt.wantEPC)
			}
			if (got.RSSI == nil) != (tt.wantRSSI == nil) || (got.RSSI != nil && *got.RSSI != *tt.wantRSSI) {
				t.Errorf("RSSI = %v, want %v", got.RSSI, tt.wantRSSI)
			}
			if (got.AntennaPort == nil) != (tt.wantAnt == nil) || (got.AntennaPort != nil && *got.AntennaPort != *tt.wantAnt) {
				t.Errorf("AntennaPort = %v, want %v", got.AntennaPort, tt.wantAnt)
			}
		})
	}
}

func TestChecksumFrameIsTwoDigits(t *testing.T) {
	// "01" xors to a value below 0x10; the suffix must still be two digits.
	frame := ChecksumFrame("01")
	if len(frame) != len("01")+3 {
		t.Fatalf("ChecksumFrame(%q) = %q, want two-digit checksum", "01", frame)
	}
	if _, err := parseLine("0101" + frame[2:]); err == nil {
		t.Error("tampered payload with stale checksum should fail")
	}
}

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }
