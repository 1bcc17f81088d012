package transport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/trackside-data/lapline/internal/rfid"
)

// Serial and TCP readers share a line-oriented vendor protocol:
//
//	EPC[,RSSI[,ANTENNA]][*XX]\r\n
//
// XX is a two-digit hex XOR checksum over the payload before the '*'. Frames
// without a '*' carry no checksum; readers can be configured either way and
// both forms are accepted.

// parseLine decodes one frame payload. It returns FrameCorrupt errors for
// checksum mismatches and malformed fields; callers drop the frame and keep
// reading.
func parseLine(line string) (RawRead, error) {
	payload := strings.TrimSpace(line)
	if payload == "" {
		return RawRead{}, Errf(FrameCorrupt, "empty frame")
	}

	if star := strings.LastIndexByte(payload, '*'); star >= 0 {
		sum := payload[star+1:]
		payload = payload[:star]
		want, err := strconv.ParseUint(sum, 16, 8)
		if err != nil || len(sum) != 2 {
			return RawRead{}, Errf(FrameCorrupt, "bad checksum field %q", sum)
		}
		if got := xorChecksum(payload); got != byte(want) {
			return RawRead{}, Errf(FrameCorrupt, "checksum mismatch: frame %02X, computed %02X", want, got)
		}
	}

	parts := strings.Split(payload, ",")

	epc, err := rfid.NormalizeEPC(parts[0])
	if err != nil {
		return RawRead{}, Errf(FrameCorrupt, "invalid epc: %v", err)
	}
	read := RawRead{EPC: epc}

	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		rssi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return RawRead{}, Errf(FrameCorrupt, "invalid rssi %q", parts[1])
		}
		read.RSSI = &rssi
	}

	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		ant, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || ant < 0 {
			return RawRead{}, Errf(FrameCorrupt, "invalid antenna port %q", parts[2])
		}
		read.AntennaPort = &ant
	}

	return read, nil
}

func xorChecksum(payload string) byte {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum ^= payload[i]
	}
	return sum
}

// ChecksumFrame appends the XOR checksum suffix to a payload. Used by mock
// readers and fixtures that speak the checksummed form of the protocol.
func ChecksumFrame(payload string) string {
	return fmt.Sprintf("%s*%02X", payload, xorChecksum(payload))
}
