package task

import (
	"strings"

	"github.com/xaionaro-go/msdk/hw"
)

// Type is a set of pipeline stages a Task serves.
type Type uint32

const (
	TypeDecoder Type = 1 << iota
	TypeVPPIn
	TypeVPPOut
	TypeEncoder

	TypeNone Type = 0
)

func (t Type) Has(flags Type) bool {
	return t&flags == flags
}

func (t Type) String() string {
	if t == TypeNone {
		return "none"
	}
	var parts []string
	for _, item := range []struct {
		flag Type
		name string
	}{
		{TypeDecoder, "decoder"},
		{TypeVPPIn, "vpp_in"},
		{TypeVPPOut, "vpp_out"},
		{TypeEncoder, "encoder"},
	} {
		if t&item.flag != 0 {
			parts = append(parts, item.name)
		}
	}
	return strings.Join(parts, "|")
}

// MemType returns the allocation origin flags the hardware expects for
// buffers of a Task with these stages.
func (t Type) MemType() hw.MemType {
	var r hw.MemType
	if t&TypeDecoder != 0 {
		r |= hw.MemTypeFromDecode
	}
	if t&TypeVPPIn != 0 {
		r |= hw.MemTypeFromVPPIn
	}
	if t&TypeVPPOut != 0 {
		r |= hw.MemTypeFromVPPOut
	}
	if t&TypeEncoder != 0 {
		r |= hw.MemTypeFromEncode
	}
	return r
}
