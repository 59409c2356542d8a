package types

import (
	"unsafe"
)

// ObjectID identifies a live object in logs and in String() outputs. It is
// the object's address, so it is unique only while the object is alive.
type ObjectID uint64

func GetObjectID[T any](obj *T) ObjectID {
	return ObjectID(uintptr(unsafe.Pointer(obj)))
}
