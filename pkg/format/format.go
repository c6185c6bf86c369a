// Package format provides human-readable formatting for counters and rates.
package format

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Bytes formats a byte count using binary units.
// Example: Bytes(1536) => "1.5 KB"
func Bytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit && exp < 4; n /= unit {
		div *= unit
		exp++
	}

	sizes := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), sizes[exp])
}

// Count formats a counter with thousand separators.
// Example: Count(1234567) => "1,234,567"
func Count(n uint64) string {
	return printer.Sprintf("%d", n)
}

// Percentage returns part as a percentage of total, "0%" when total is zero.
// Example: Percentage(1, 8) => "12.5%"
func Percentage(part, total uint64) string {
	if total == 0 {
		return "0%"
	}
	return printer.Sprintf("%.1f%%", float64(part)*100/float64(total))
}

// Rate formats events per second over the given interval.
// Example: Rate(120, 5*time.Second) => "24.0/s"
func Rate(n uint64, over time.Duration) string {
	if over <= 0 {
		return "0.0/s"
	}
	return printer.Sprintf("%.1f/s", float64(n)/over.Seconds())
}

// Since formats the elapsed time since t, rounded to the second.
// Example: Since(time.Now().Add(-90*time.Second)) => "1m30s"
func Since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String()
}
