// Package billing derives 5-hour rolling billing windows from historical
// assistant-message timestamps, the same accounting unit the upstream
// providers use to bound usage. It is deliberately independent of how the
// timestamps were collected.
package billing

import (
	"sort"
	"time"
)

// WindowLength is the fixed size of a billing window.
const WindowLength = 5 * time.Hour

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// FloorToHour truncates t to the start of its hour, in its own location.
func FloorToHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// ActiveBillingWindows groups sorted-ascending timestamps into 5-hour
// blocks and returns only the blocks still relevant as of now: those whose
// end falls within the last hour or in the future. timestamps need not be
// pre-sorted; ActiveBillingWindows sorts a copy.
func ActiveBillingWindows(now time.Time, timestamps []time.Time) []Window {
	if len(timestamps) == 0 {
		return nil
	}
	sorted := make([]time.Time, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var windows []Window
	cur := Window{Start: FloorToHour(sorted[0])}
	cur.End = cur.Start.Add(WindowLength)
	prev := sorted[0]

	for _, ts := range sorted[1:] {
		withinBlock := ts.Sub(cur.Start) <= WindowLength
		withinGap := ts.Sub(prev) <= WindowLength
		if withinBlock && withinGap {
			prev = ts
			continue
		}
		windows = append(windows, cur)
		cur = Window{Start: FloorToHour(ts)}
		cur.End = cur.Start.Add(WindowLength)
		prev = ts
	}
	windows = append(windows, cur)

	cutoff := now.Add(-time.Hour)
	active := windows[:0:0]
	for _, w := range windows {
		if !w.End.Before(cutoff) {
			active = append(active, w)
		}
	}
	return active
}

// CurrentBillingWindow returns the newest active window, or a synthetic
// window anchored at now-5h if no timestamps are active.
func CurrentBillingWindow(now time.Time, timestamps []time.Time) Window {
	active := ActiveBillingWindows(now, timestamps)
	if len(active) > 0 {
		return active[len(active)-1]
	}
	start := FloorToHour(now.Add(-WindowLength))
	return Window{Start: start, End: start.Add(WindowLength)}
}

// Limits bounds a billing window's token allowance.
type Limits struct {
	OutputTokens int64
}

// PercentInt returns truncated integer percent-of-limit for outputTokens,
// 0 when the limit is non-positive.
func PercentInt(outputTokens int64, limits Limits) int {
	if limits.OutputTokens <= 0 {
		return 0
	}
	return int(outputTokens * 100 / limits.OutputTokens)
}
