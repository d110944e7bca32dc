package tools

import (
	"context"
	"regexp"
	"runtime"
	"strings"
)

var usbSerialRe = regexp.MustCompile(`(iPhone|iPad)[\s\S]*?Serial Number: *([^\n]+)`)

// IOSUDID returns the UDID of the first iPhone or iPad attached over USB,
// or "" when none is found. Only macOS has system_profiler.
func IOSUDID(ctx context.Context) (string, error) {
	if runtime.GOOS != "darwin" || !Available("system_profiler") {
		return "", nil
	}
	out, _, err := RunCommand(ctx, "system_profiler", "SPUSBDataType")
	if err != nil {
		return "", err
	}
	return parseSystemProfiler(out), nil
}

// parseSystemProfiler finds the first iPhone/iPad serial number in
// `system_profiler SPUSBDataType` output and formats it as a UDID.
//
// Expectations:
//   - Returns "" when no iPhone or iPad is listed
//   - Inserts "-" after the eighth character of the serial
//   - Serials of eight characters or fewer are returned unchanged
func parseSystemProfiler(out string) string {
	m := usbSerialRe.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	serial := strings.TrimSpace(m[2])
	if len(serial) <= 8 {
		return serial
	}
	return serial[:8] + "-" + serial[8:]
}
