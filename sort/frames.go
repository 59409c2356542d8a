// Package sort provides sort.Interface implementations over frame
// collections, to be used with github.com/go-ng/container/heap.
package sort

import (
	"sort"

	"github.com/xaionaro-go/msdk/frame"
)

// FramesByPTS orders frames by presentation timestamp; frames with equal
// timestamps keep no particular order.
type FramesByPTS []*frame.Frame

var _ sort.Interface = (FramesByPTS)(nil)

func (s FramesByPTS) Len() int {
	return len(s)
}

func (s FramesByPTS) Less(i, j int) bool {
	return s[i].PTS < s[j].PTS
}

func (s FramesByPTS) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}
