package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatBytes formats bytes with binary units ("1.5 MiB").
func FormatBytes(b int64) string {
	if b < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(b))
}

// ParseBytes parses a human-readable byte string. Binary suffixes ("MiB")
// are powers of 1024, SI suffixes ("MB") powers of 1000, and a bare number
// is bytes.
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}
	return int64(n), nil
}

// ParseSize parses an advisory size such as a directory listing's
// "123.4 MiB". Empty or unparseable values yield Unknown.
func ParseSize(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return Unknown
	}
	n, err := ParseBytes(s)
	if err != nil {
		return Unknown
	}
	return n
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
