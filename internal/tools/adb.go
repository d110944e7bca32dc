package tools

import (
	"bufio"
	"context"
	"strings"
)

// ConnectedAndroidDevices returns the serials `adb devices` lists in the
// "device" state. A missing adb binary yields an empty list.
func ConnectedAndroidDevices(ctx context.Context) ([]string, error) {
	if !Available("adb") {
		return nil, nil
	}
	out, _, err := RunCommand(ctx, "adb", "devices")
	if err != nil {
		return nil, err
	}
	return parseADBDevices(out), nil
}

// parseADBDevices extracts ready serials from `adb devices` output.
//
// Expectations:
//   - Skips the "List of devices attached" header and blank lines
//   - Keeps only lines whose state column is "device"
//   - Ignores "unauthorized", "offline" and daemon start-up chatter
func parseADBDevices(out string) []string {
	var serials []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		serials = append(serials, fields[0])
	}
	return serials
}

// ADBInputText types text on the device through `adb shell input text`.
// serial may be empty when exactly one device is attached. Text holding a
// literal "%s" or "% " is typed in several calls so that no call carries a
// '%' the device would read as an escaped space.
func ADBInputText(ctx context.Context, serial, text string) error {
	for _, chunk := range inputTextChunks(text) {
		args := []string{}
		if serial != "" {
			args = append(args, "-s", serial)
		}
		args = append(args, "shell", "input", "text", quoteInputText(chunk))
		if _, _, err := RunCommand(ctx, "adb", args...); err != nil {
			return err
		}
	}
	return nil
}

// inputTextChunks cuts text after every '%' followed by 's' or a space.
//
// Expectations:
//   - "hello" stays one chunk
//   - "50%sale" becomes "50%" and "sale"
//   - "100% done" becomes "100%" and " done"
//   - "" yields one empty chunk so that the call still happens
func inputTextChunks(text string) []string {
	var chunks []string
	start := 0
	for i := 0; i+1 < len(text); i++ {
		if text[i] == '%' && (text[i+1] == 's' || text[i+1] == ' ') {
			chunks = append(chunks, text[start:i+1])
			start = i + 1
		}
	}
	return append(chunks, text[start:])
}

// quoteInputText wraps text in single quotes for the device shell. Spaces are
// sent as %s, which `input text` decodes back into spaces.
//
// Expectations:
//   - "hello" becomes 'hello'
//   - "a b" becomes 'a%sb'
//   - An embedded single quote is closed, escaped and reopened
func quoteInputText(text string) string {
	text = strings.ReplaceAll(text, " ", "%s")
	return "'" + strings.ReplaceAll(text, "'", `'\''`) + "'"
}
