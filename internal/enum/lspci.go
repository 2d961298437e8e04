package enum

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// lspciTimeout bounds the external lookup so a wedged tool can never
// stall a scan.
const lspciTimeout = 2 * time.Second

// LspciName resolves a PCI slot's device name by invoking lspci in
// machine-readable mode. The output is advisory text from an external
// command: parsed defensively, and any failure leaves the caller on its
// raw-ID fallback.
func LspciName(ctx context.Context, slot string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lspciTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "lspci", "-mm", "-s", slot).Output()
	if err != nil {
		return "", fmt.Errorf("lspci %s: %w", slot, err)
	}
	return parseLspciLine(string(out)), nil
}

// parseLspciLine extracts the class and device fields from one line of
// `lspci -mm` output: quoted fields after the slot, class first, then
// vendor and device. Unexpected shapes yield "".
func parseLspciLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	var fields []string
	for {
		start := strings.IndexByte(line, '"')
		if start < 0 {
			break
		}
		rest := line[start+1:]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			break
		}
		fields = append(fields, rest[:end])
		line = rest[end+1:]
	}

	// class, vendor, device
	if len(fields) < 3 {
		return ""
	}
	vendor, dev := fields[1], fields[2]
	if dev == "" {
		return ""
	}
	if vendor == "" {
		return dev
	}
	return vendor + " " + dev
}
