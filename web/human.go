package web

import "fmt"

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%sB", float64(n)/float64(div), "KMGTPE"[exp:exp+1])
}

func humanBps(n int64) string {
	return humanBytes(n) + "/s"
}
