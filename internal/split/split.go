// Package split holds the adaptive window policy: when a query window is
// dense enough to be re-issued as two smaller windows, and where to cut it.
// Nothing here performs I/O.
package split

import (
	"time"

	"areasched/internal/model"
)

// Policy decides whether a window is split.
type Policy struct {
	// Threshold is the device count a window must exceed to be split.
	Threshold int
	// ChunkDays is the day span at or below which a window is a leaf.
	ChunkDays int
}

// ShouldSplit reports whether a window holding count devices across
// daySpan calendar days is re-queried in halves. It depends only on the two
// numbers, never on which polygon or API produced them.
func (p Policy) ShouldSplit(count, daySpan int) bool {
	chunk := p.ChunkDays
	if chunk < 1 {
		chunk = 1
	}
	return count > p.Threshold && daySpan > chunk
}

// MaxDepth is the deepest recursion a window of daySpan days can reach under
// p, i.e. ceil(log2(daySpan / ChunkDays)).
func (p Policy) MaxDepth(daySpan int) int {
	chunk := p.ChunkDays
	if chunk < 1 {
		chunk = 1
	}
	depth := 0
	for daySpan > chunk {
		daySpan = (daySpan + 1) / 2
		depth++
	}
	return depth
}

// Bisect cuts iv at the start of its midpoint day. The left half ends at
// 23:59:59 local on the day before the cut, the right half starts at 00:00
// local on the cut day, so both halves cover strictly fewer days than iv and
// no instant is dropped. ok is false when iv covers a single day or a half
// would be empty.
func Bisect(iv model.Interval) (left, right model.Interval, ok bool) {
	days := iv.DaySpan()
	if days < 2 {
		return model.Interval{}, model.Interval{}, false
	}

	loc := iv.Start.Location()
	cut := model.DateOf(iv.Start).AddDays(days / 2).In(loc)
	leftEnd := cut.Add(-time.Second)

	l, err := iv.WithWindow(iv.Start, leftEnd)
	if err != nil {
		return model.Interval{}, model.Interval{}, false
	}
	r, err := iv.WithWindow(cut, iv.End)
	if err != nil {
		return model.Interval{}, model.Interval{}, false
	}
	return l, r, true
}
