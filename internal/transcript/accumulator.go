// Package transcript accumulates finalized recognition segments into the
// running input text.
package transcript

import "strings"

// Segment is one recognition result inside a result window.
type Segment struct {
	Text    string `json:"transcript"`
	IsFinal bool   `json:"is_final"`
}

// Append joins newFinal onto current with exactly one separating space.
// No trimming or deduplication is applied.
func Append(current, newFinal string) string {
	return current + " " + newFinal
}

// JoinFinals concatenates the final segments of a batch, terminating each
// one with a space. Interim segments are dropped. An empty result means there
// is nothing to append.
//
// Combined with Append, consecutive batches "patient has" and "hypertension"
// accumulate to " patient has  hypertension ".
func JoinFinals(batch []Segment) string {
	var b strings.Builder
	for _, seg := range batch {
		if !seg.IsFinal {
			continue
		}
		b.WriteString(seg.Text)
		b.WriteByte(' ')
	}
	return b.String()
}
