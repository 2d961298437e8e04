// Package dmi walks a raw SMBIOS table and decodes Memory Device
// structures (type 17) into MemoryModule records.
//
// Structures are variable-length: a fixed header, `length-4` formatted
// bytes, then a double-null-terminated string table the formatted bytes
// reference by 1-based index. The walk uses the declared length to find
// each string table; fixed offsets cannot work here.
package dmi

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// memoryDeviceType is the SMBIOS structure type for Memory Device.
const memoryDeviceType = 17

// headerSize is the fixed part of every structure: type, length, handle.
const headerSize = 4

// MemoryModule is one populated memory slot.
type MemoryModule struct {
	Slot         string `msgpack:"slot" json:"slot"`
	Bank         string `msgpack:"bank" json:"bank"`
	SizeBytes    uint64 `msgpack:"size_bytes" json:"size_bytes"`
	SpeedMTs     int    `msgpack:"speed_mts" json:"speed_mts"`
	Type         string `msgpack:"type" json:"type"`
	Manufacturer string `msgpack:"manufacturer" json:"manufacturer"`
	PartNumber   string `msgpack:"part_number" json:"part_number"`
	Serial       string `msgpack:"serial" json:"serial"`
}

// memoryTypes maps the SMBIOS memory type byte to a DDR generation name.
var memoryTypes = map[byte]string{
	0x12: "DDR",
	0x13: "DDR2",
	0x18: "DDR3",
	0x1A: "DDR4",
	0x1D: "LPDDR3",
	0x1E: "LPDDR4",
	0x22: "DDR5",
	0x23: "LPDDR5",
}

// Decode walks up to count structures (count <= 0 means until the buffer
// is exhausted) and returns one MemoryModule per populated type-17 slot.
// Empty slots are omitted. A structure whose declared size runs past the
// buffer ends the walk; everything decoded so far is still returned.
func Decode(table []byte, count int) []MemoryModule {
	modules := []MemoryModule{}

	off := 0
	for n := 0; count <= 0 || n < count; n++ {
		if off+headerSize > len(table) {
			break
		}
		typ := table[off]
		length := int(table[off+1])
		if length < headerSize || off+length > len(table) {
			break // malformed declared size, keep what we have
		}

		formatted := table[off+headerSize : off+length]
		strs, next := stringTable(table, off+length)

		if typ == memoryDeviceType {
			if m, populated := decodeMemoryDevice(formatted, strs); populated {
				modules = append(modules, m)
			}
		}

		if next <= off {
			break
		}
		off = next
	}

	return modules
}

// stringTable decodes the double-null-terminated string set that follows
// a structure's formatted section, returning the strings and the offset
// of the next structure.
func stringTable(table []byte, off int) ([]string, int) {
	if off >= len(table) {
		return nil, len(table)
	}

	// No strings at all: two consecutive NULs.
	if off+1 < len(table) && table[off] == 0 && table[off+1] == 0 {
		return nil, off + 2
	}

	var strs []string
	for off < len(table) {
		end := bytes.IndexByte(table[off:], 0)
		if end < 0 {
			// Unterminated tail; treat the rest as one string.
			strs = append(strs, string(table[off:]))
			return strs, len(table)
		}
		if end == 0 {
			return strs, off + 1
		}
		strs = append(strs, string(table[off:off+end]))
		off += end + 1
	}
	return strs, off
}

// decodeMemoryDevice maps a type-17 formatted section to a MemoryModule.
// Offsets are relative to the full structure per the SMBIOS spec; the
// formatted slice starts after the 4-byte header, hence the -4 below.
// The bool result is false for an empty slot.
func decodeMemoryDevice(formatted []byte, strs []string) (MemoryModule, bool) {
	u8 := func(structOff int) byte {
		i := structOff - headerSize
		if i < 0 || i >= len(formatted) {
			return 0
		}
		return formatted[i]
	}
	u16 := func(structOff int) uint16 {
		i := structOff - headerSize
		if i < 0 || i+2 > len(formatted) {
			return 0
		}
		return binary.LittleEndian.Uint16(formatted[i : i+2])
	}
	u32 := func(structOff int) uint32 {
		i := structOff - headerSize
		if i < 0 || i+4 > len(formatted) {
			return 0
		}
		return binary.LittleEndian.Uint32(formatted[i : i+4])
	}
	str := func(structOff int) string {
		idx := int(u8(structOff))
		if idx < 1 || idx > len(strs) {
			return ""
		}
		return strings.TrimSpace(strs[idx-1])
	}

	size := u16(0x0C)
	if size == 0 {
		return MemoryModule{}, false // empty slot
	}

	var sizeBytes uint64
	switch {
	case size == 0x7FFF:
		// Extended size field, always in megabytes.
		sizeBytes = uint64(u32(0x1C)&0x7FFFFFFF) << 20
	case size&0x8000 != 0:
		sizeBytes = uint64(size&0x7FFF) << 10 // kilobyte units
	default:
		sizeBytes = uint64(size) << 20 // megabyte units
	}

	m := MemoryModule{
		Slot:         str(0x10),
		Bank:         str(0x11),
		SizeBytes:    sizeBytes,
		SpeedMTs:     int(u16(0x15)),
		Type:         memoryTypes[u8(0x12)],
		Manufacturer: str(0x17),
		Serial:       str(0x18),
		PartNumber:   str(0x1A),
	}
	if m.Type == "" {
		m.Type = "Unknown"
	}
	return m, true
}
