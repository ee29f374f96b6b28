package transport

import "strings"

// validButtons is the fixed table of recognized control button names.
// Names are matched case-insensitively; anything else is silently dropped.
var validButtons = func() map[string]bool {
	names := []string{
		"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M",
		"N", "O", "P", "Q", "R", "S", "T", "U", "V", "W", "X", "Y", "Z",
		"0", "1", "2", "3", "4", "5", "6", "7", "8", "9",
		"UP", "DOWN", "LEFT", "RIGHT",
		"SHIFT", "CTRL", "SPACE", "TAB", "ENTER",
		"MOUSE_LEFT", "MOUSE_RIGHT", "MOUSE_MIDDLE",
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}()

// normalizeButtons upper-cases each name and drops anything not in the
// fixed button table.
func normalizeButtons(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, b := range raw {
		u := strings.ToUpper(strings.TrimSpace(b))
		if validButtons[u] {
			out = append(out, u)
		}
	}
	return out
}
