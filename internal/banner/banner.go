package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
======================================================================
  ____ ____  __  __   ____  _
 / ___|  _ \|  \/  | |  _ \| |__   ___  _ __   ___
| |   | |_) | |\/| | | |_) | '_ \ / _ \| '_ \ / _ \
| |___|  _ <| |  | | |  __/| | | | (_) | | | |  __/
 \____|_| \_\_|  |_| |_|   |_| |_|\___/|_| |_|\___|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the startup banner with the service name and configuration
// to w. Empty values are shown as "-".
func Print(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "%s\n", serviceName)

	maxLen := 0
	for _, c := range config {
		maxLen = max(maxLen, len(c.Label))
	}
	for _, c := range config {
		value := c.Value
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, strings.Repeat(" ", maxLen-len(c.Label)), value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ready.")
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}

// Mask hides a secret, keeping only enough to recognise it.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", 8)
}
