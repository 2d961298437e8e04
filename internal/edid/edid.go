// Package edid decodes the Extended Display Identification Data block
// a monitor exposes through its DRM connector.
//
// Decoding never returns an error: a malformed or truncated blob yields
// a MonitorInfo with Valid=false and whatever fields parsed before the
// damage. Scans must survive broken EDID EEPROMs.
package edid

import (
	"encoding/binary"
	"strings"
)

// BlockSize is the size of one EDID block. The base block is mandatory;
// extension blocks are optional multiples of the same size.
const BlockSize = 128

var headerMagic = [8]byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}

// Descriptor tags within an 18-byte display descriptor.
const (
	tagProductName  = 0xFC
	tagSerialString = 0xFF
	tagRangeLimits  = 0xFD
)

// CEA extension tag for merged detailed timings.
const extTagCEA = 0x02

// Mode is one supported display mode.
type Mode struct {
	Width     int `msgpack:"width" json:"width"`
	Height    int `msgpack:"height" json:"height"`
	RefreshHz int `msgpack:"refresh_hz" json:"refresh_hz"`
}

// MonitorInfo is the decoded identity of a monitor.
type MonitorInfo struct {
	Valid      bool   `msgpack:"valid" json:"valid"`
	ChecksumOK bool   `msgpack:"checksum_ok" json:"checksum_ok"`
	PNPID      string `msgpack:"pnp_id" json:"pnp_id"`
	ProductID  uint16 `msgpack:"product_id" json:"product_id"`
	Serial     uint32 `msgpack:"serial" json:"serial"`
	SerialText string `msgpack:"serial_text" json:"serial_text"`
	ModelName  string `msgpack:"model_name" json:"model_name"`
	Week       int    `msgpack:"week" json:"week"`
	Year       int    `msgpack:"year" json:"year"`
	Version    string `msgpack:"version" json:"version"`
	Modes      []Mode `msgpack:"modes" json:"modes"`
	Preferred  *Mode  `msgpack:"preferred,omitempty" json:"preferred,omitempty"`
}

// Decode parses an EDID blob. The first 128 bytes are the base block;
// any further whole 128-byte blocks are treated as extensions and only
// mined for additional detailed timings.
func Decode(data []byte) MonitorInfo {
	var info MonitorInfo

	if len(data) < BlockSize {
		// Best effort on a truncated header, never a hard failure.
		decodeIdentity(&info, data)
		return info
	}

	base := data[:BlockSize]
	magicOK := [8]byte(base[:8]) == headerMagic
	info.ChecksumOK = checksum(base)

	decodeIdentity(&info, base)
	decodeStandardTimings(&info, base)
	decodeDescriptors(&info, base)

	for off := BlockSize; off+BlockSize <= len(data); off += BlockSize {
		decodeExtension(&info, data[off:off+BlockSize])
	}

	info.Valid = magicOK && info.ChecksumOK
	return info
}

// checksum reports whether the block's bytes sum to zero mod 256.
func checksum(block []byte) bool {
	var sum byte
	for _, b := range block {
		sum += b
	}
	return sum == 0
}

// decodeIdentity extracts vendor/product fields from the header region.
// Tolerates arbitrary truncation.
func decodeIdentity(info *MonitorInfo, data []byte) {
	if len(data) >= 10 {
		info.PNPID = decodePNPID(binary.BigEndian.Uint16(data[8:10]))
	}
	if len(data) >= 12 {
		info.ProductID = binary.LittleEndian.Uint16(data[10:12])
	}
	if len(data) >= 16 {
		info.Serial = binary.LittleEndian.Uint32(data[12:16])
	}
	if len(data) >= 18 {
		info.Week = int(data[16])
		if data[17] > 0 {
			info.Year = 1990 + int(data[17])
		}
	}
	if len(data) >= 20 {
		info.Version = string([]byte{'0' + data[18], '.', '0' + data[19]})
	}
}

// decodePNPID unpacks the big-endian 3x5-bit manufacturer triplet.
func decodePNPID(w uint16) string {
	letters := [3]byte{
		byte(w >> 10 & 0x1F),
		byte(w >> 5 & 0x1F),
		byte(w & 0x1F),
	}
	out := make([]byte, 0, 3)
	for _, l := range letters {
		if l < 1 || l > 26 {
			return ""
		}
		out = append(out, 'A'+l-1)
	}
	return string(out)
}

// decodeStandardTimings reads the eight 2-byte standard timing slots.
func decodeStandardTimings(info *MonitorInfo, base []byte) {
	for off := 0x26; off < 0x36; off += 2 {
		b0, b1 := base[off], base[off+1]
		if b0 == 0x01 && b1 == 0x01 { // unused slot
			continue
		}
		if b0 == 0 {
			continue
		}
		w := (int(b0) + 31) * 8
		var h int
		switch b1 >> 6 {
		case 0: // 16:10
			h = w * 10 / 16
		case 1: // 4:3
			h = w * 3 / 4
		case 2: // 5:4
			h = w * 4 / 5
		case 3: // 16:9
			h = w * 9 / 16
		}
		info.addMode(Mode{Width: w, Height: h, RefreshHz: int(b1&0x3F) + 60})
	}
}

// decodeDescriptors walks the four 18-byte descriptor slots of the base
// block. A slot holds either a detailed timing (first word nonzero) or a
// tagged display descriptor.
func decodeDescriptors(info *MonitorInfo, base []byte) {
	for off := 0x36; off+18 <= BlockSize; off += 18 {
		d := base[off : off+18]
		if d[0] != 0 || d[1] != 0 {
			if m, ok := decodeDetailedTiming(d); ok {
				info.addMode(m)
				if info.Preferred == nil {
					pm := m
					info.Preferred = &pm
				}
			}
			continue
		}
		switch d[3] {
		case tagProductName:
			info.ModelName = descriptorText(d)
		case tagSerialString:
			info.SerialText = descriptorText(d)
		case tagRangeLimits:
			// Range limits carry no identity; skipped.
		}
	}
}

// decodeDetailedTiming converts an 18-byte detailed timing descriptor
// into a Mode, deriving the refresh rate from the pixel clock and the
// total (active+blank) raster size.
func decodeDetailedTiming(d []byte) (Mode, bool) {
	clock := int(binary.LittleEndian.Uint16(d[0:2])) * 10_000 // Hz
	hActive := int(d[2]) | int(d[4]&0xF0)<<4
	hBlank := int(d[3]) | int(d[4]&0x0F)<<8
	vActive := int(d[5]) | int(d[7]&0xF0)<<4
	vBlank := int(d[6]) | int(d[7]&0x0F)<<8

	total := (hActive + hBlank) * (vActive + vBlank)
	if clock == 0 || total == 0 || hActive == 0 || vActive == 0 {
		return Mode{}, false
	}
	return Mode{
		Width:     hActive,
		Height:    vActive,
		RefreshHz: (clock + total/2) / total,
	}, true
}

// decodeExtension merges detailed timings out of a CEA extension block.
// Unknown extension tags are skipped without error.
func decodeExtension(info *MonitorInfo, block []byte) {
	if block[0] != extTagCEA {
		return
	}
	dtdStart := int(block[2])
	if dtdStart < 4 || dtdStart >= BlockSize {
		return
	}
	for off := dtdStart; off+18 <= BlockSize-1; off += 18 {
		d := block[off : off+18]
		if d[0] == 0 && d[1] == 0 {
			break
		}
		if m, ok := decodeDetailedTiming(d); ok {
			info.addMode(m)
		}
	}
}

// addMode appends a mode, dropping exact duplicates.
func (info *MonitorInfo) addMode(m Mode) {
	for _, have := range info.Modes {
		if have == m {
			return
		}
	}
	info.Modes = append(info.Modes, m)
}

// descriptorText extracts the 13-byte text payload of a display
// descriptor, stopping at the 0x0A terminator and trimming padding.
func descriptorText(d []byte) string {
	raw := d[5:18]
	if i := indexByte(raw, 0x0A); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(string(raw))
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}
