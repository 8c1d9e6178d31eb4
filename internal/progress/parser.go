// Package progress parses tqdm/git style output into typed events and
// publishes them through the Redis-backed broker.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reCacheKey   = regexp.MustCompile(`(?i)(SM-[A-Z0-9]+_[A-Z0-9]+)`)
	reModelCSC   = regexp.MustCompile(`(?i)(SM-[A-Z0-9]+)[/_]([A-Z0-9]{2,4})`)
	rePercent    = regexp.MustCompile(`(\d{1,3})%`)
	reBytes      = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*([KMGTP]?i?B)\s*/\s*(\d+(?:\.\d+)?)\s*([KMGTP]?i?B)`)
	reSpeed      = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*([KMGTP]?i?B)/s`)
	reElapsedETA = regexp.MustCompile(`\[(\d{1,2}:\d{2}(?::\d{2})?)<(\d{1,2}:\d{2}(?::\d{2})?)`)
	reSplitLines = regexp.MustCompile(`[\r\n]+`)
)

// Update is one parsed progress observation. Pointer fields distinguish
// "absent" from zero.
type Update struct {
	Percent         *int
	DownloadedBytes *int64
	TotalBytes      *int64
	SpeedBps        *int64
	ElapsedSec      *int
	ETASec          *int
}

// ToBytes converts a number with a KiB/MiB style (or classic KB/MB) unit
// into bytes. Both spellings use base-2 scales.
func ToBytes(number float64, unit string) int64 {
	normalized := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(unit)), "IB", "B")
	scale := int64(1)
	switch normalized {
	case "KB":
		scale = 1 << 10
	case "MB":
		scale = 1 << 20
	case "GB":
		scale = 1 << 30
	case "TB":
		scale = 1 << 40
	case "PB":
		scale = 1 << 50
	}
	return int64(number * float64(scale))
}

// ParseHMS converts MM:SS or HH:MM:SS into seconds.
func ParseHMS(value string) int {
	var parts []int
	for _, p := range strings.Split(value, ":") {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		parts = append(parts, n)
	}
	switch len(parts) {
	case 2:
		return parts[0]*60 + parts[1]
	case 3:
		return parts[0]*3600 + parts[1]*60 + parts[2]
	}
	return 0
}

// GuessFwKey extracts the firmware key a log line refers to, trying the
// explicit MODEL_CSC form, then MODEL/CSC, then any known key mentioned in
// the line. Returns "" when nothing matches.
func GuessFwKey(text string, knownKeys []string) string {
	if text == "" {
		return ""
	}
	if m := reCacheKey.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1])
	}
	if m := reModelCSC.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1]) + "_" + strings.ToUpper(m[2])
	}
	upper := strings.ToUpper(text)
	for _, key := range knownKeys {
		if key != "" && strings.Contains(upper, key) {
			return key
		}
	}
	return ""
}

// ParseLine extracts progress from one tqdm-style line. A line counts only
// if it carries a percent or a done/total byte pair; the printed percent is
// authoritative and the byte ratio fills in only when no percent printed.
func ParseLine(text string) *Update {
	if text == "" {
		return nil
	}
	pctMatch := rePercent.FindStringSubmatch(text)
	bytesMatch := reBytes.FindStringSubmatch(text)
	if pctMatch == nil && bytesMatch == nil {
		return nil
	}

	update := &Update{}
	if pctMatch != nil {
		pct := clampPercent(atoi(pctMatch[1]))
		update.Percent = &pct
	}
	if bytesMatch != nil {
		done := ToBytes(atof(bytesMatch[1]), bytesMatch[2])
		total := ToBytes(atof(bytesMatch[3]), bytesMatch[4])
		update.DownloadedBytes = &done
		update.TotalBytes = &total
		if update.Percent == nil && total > 0 {
			pct := clampPercent(int(float64(done) / float64(total) * 100))
			update.Percent = &pct
		}
	}
	if m := reSpeed.FindStringSubmatch(text); m != nil {
		speed := ToBytes(atof(m[1]), m[2])
		update.SpeedBps = &speed
	}
	if m := reElapsedETA.FindStringSubmatch(text); m != nil {
		elapsed := ParseHMS(m[1])
		eta := ParseHMS(m[2])
		update.ElapsedSec = &elapsed
		update.ETASec = &eta
	}
	return update
}

// SplitLines splits a raw chunk on any run of CR/LF, dropping blanks.
func SplitLines(text string) []string {
	var out []string
	for _, part := range reSplitLines.Split(text, -1) {
		if line := strings.TrimSpace(part); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func clampPercent(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
