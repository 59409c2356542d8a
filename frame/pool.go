package frame

import (
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/pool"
)

// BitstreamPool recycles the output buffers handed to the encoders.
var BitstreamPool = pool.NewPool(
	func() *hw.Bitstream { return &hw.Bitstream{} },
	func(b *hw.Bitstream) {
		*b = hw.Bitstream{Data: b.Data[:0]}
	},
	nil,
)

// GetBitstream returns an empty Bitstream able to hold capacity bytes.
func GetBitstream(capacity int) *hw.Bitstream {
	b := BitstreamPool.Get()
	if cap(b.Data) < capacity {
		b.Data = make([]byte, 0, capacity)
	}
	b.Data = b.Data[:0]
	b.DataOffset = 0
	b.DataLength = 0
	b.TimeStamp = hw.TimestampUnknown
	return b
}

// PutBitstream returns b to BitstreamPool.
func PutBitstream(b *hw.Bitstream) {
	if b == nil {
		return
	}
	BitstreamPool.Put(b)
}
