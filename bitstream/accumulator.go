package bitstream

import (
	"github.com/xaionaro-go/msdk/hw"
)

type timestampMark struct {
	end       uint64
	timestamp uint64
}

// Accumulator keeps the bytes submitted to the decoder but not consumed by
// it yet. The decoder consumes from the front, new data is appended to the
// back. Every appended chunk remembers its timestamp, so the submission
// carries the timestamp of the chunk at the front.
type Accumulator struct {
	bs    hw.Bitstream
	base  uint64
	marks []timestampMark
}

// Append adds data at the back.
func (a *Accumulator) Append(data []byte, timestamp uint64) {
	_ = a.AppendFunc(timestamp, func(dst []byte) ([]byte, error) {
		return append(dst, data...), nil
	})
}

// AppendFunc lets fn append to the back directly (to avoid a copy). On
// error the accumulator is left unchanged.
func (a *Accumulator) AppendFunc(timestamp uint64, fn func(dst []byte) ([]byte, error)) error {
	a.compact()
	oldLen := len(a.bs.Data)
	data, err := fn(a.bs.Data)
	if err != nil {
		if len(data) >= oldLen {
			a.bs.Data = data[:oldLen]
		}
		return err
	}
	if len(data) == oldLen {
		return nil
	}
	a.bs.Data = data
	a.bs.DataLength += uint32(len(data) - oldLen)
	a.marks = append(a.marks, timestampMark{
		end:       a.base + uint64(len(data)),
		timestamp: timestamp,
	})
	a.Prepare()
	return nil
}

// compact moves the not consumed bytes to the beginning of the buffer.
func (a *Accumulator) compact() {
	if a.bs.DataOffset == 0 {
		return
	}
	a.base += uint64(a.bs.DataOffset)
	n := copy(a.bs.Data, a.bs.Payload())
	a.bs.Data = a.bs.Data[:n]
	a.bs.DataOffset = 0
}

// Prepare sets the timestamp of the submission to the one of the chunk at
// the front; it is to be called before every submission.
func (a *Accumulator) Prepare() {
	pos := a.base + uint64(a.bs.DataOffset)
	idx := 0
	for idx < len(a.marks) && a.marks[idx].end <= pos {
		idx++
	}
	a.marks = a.marks[idx:]
	if len(a.marks) == 0 {
		a.bs.TimeStamp = hw.TimestampUnknown
		return
	}
	a.bs.TimeStamp = a.marks[0].timestamp
}

// Len returns the amount of not consumed bytes.
func (a *Accumulator) Len() int {
	return int(a.bs.DataLength)
}

// Bytes returns the not consumed bytes.
func (a *Accumulator) Bytes() []byte {
	return a.bs.Payload()
}

// Consumed returns the amount of bytes consumed since the creation.
func (a *Accumulator) Consumed() uint64 {
	return a.base + uint64(a.bs.DataOffset)
}

// Bitstream returns the structure to submit to the decoder; the decoder
// consumes from it in place.
func (a *Accumulator) Bitstream() *hw.Bitstream {
	return &a.bs
}

// SetFlags sets the data flags of the next submission.
func (a *Accumulator) SetFlags(flags hw.DataFlag) {
	a.bs.DataFlag = flags
}

// Clear drops all the not consumed bytes.
func (a *Accumulator) Clear() {
	a.base += uint64(len(a.bs.Data))
	a.bs.Data = a.bs.Data[:0]
	a.bs.DataOffset = 0
	a.bs.DataLength = 0
	a.bs.TimeStamp = hw.TimestampUnknown
	a.marks = a.marks[:0]
}
