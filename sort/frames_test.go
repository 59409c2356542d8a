package sort

import (
	"testing"
	"time"

	"github.com/go-ng/container/heap"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/msdk/frame"
)

func TestFramesByPTSHeap(t *testing.T) {
	var h FramesByPTS
	for _, pts := range []time.Duration{40, 0, 80, 20, 60} {
		heap.Push(&h, &frame.Frame{PTS: pts * time.Millisecond})
	}
	var got []time.Duration
	for len(h) > 0 {
		got = append(got, heap.Pop(&h).PTS/time.Millisecond)
	}
	require.Equal(t, []time.Duration{0, 20, 40, 60, 80}, got)
}
