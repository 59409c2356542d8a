// Package vpl opens sessions of the oneVPL dispatcher (or the legacy Media
// SDK library) without cgo. Only the session level of the API is bound:
// the components report StatusErrUnsupported.
package vpl

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/xaionaro-go/msdk/hw"
)

// EnvLibraryPath overrides the library lookup.
const EnvLibraryPath = "MSDK_VPL_LIB_PATH"

var ErrNotLoaded = errors.New("the VPL library is not loaded")

// library is the set of the bound dispatcher entry points.
type library struct {
	path   string
	handle uintptr

	init          func(impl uint32, version *uint32, session *uintptr) int32
	close         func(session uintptr) int32
	queryIMPL     func(session uintptr, impl *uint32) int32
	queryVersion  func(session uintptr, version *uint32) int32
	joinSession   func(session uintptr, child uintptr) int32
	disjoinSession func(session uintptr) int32
	setHandle     func(session uintptr, handleType uint32, handle uintptr) int32
	syncOperation func(session uintptr, syncPoint uintptr, waitMs uint32) int32
}

var (
	loadOnce   sync.Once
	loaded     *library
	loadErr    error
	symbolSet  = []string{"MFXInit", "MFXClose", "MFXQueryIMPL", "MFXQueryVersion", "MFXJoinSession", "MFXDisjoinSession", "MFXVideoCORE_SetHandle", "MFXVideoCORE_SyncOperation"}
	searchPath = []string{"libvpl.so.2", "libvpl.so", "libmfx.so.1", "libmfx.so"}
)

// Load binds the library once; later calls return the first result.
func Load() error {
	loadOnce.Do(func() {
		loaded, loadErr = loadLibrary(libraryPaths())
	})
	return loadErr
}

func libraryPaths() []string {
	if p := os.Getenv(EnvLibraryPath); p != "" {
		return []string{p}
	}
	return searchPath
}

func loadLibrary(paths []string) (*library, error) {
	var errs []error
	for _, path := range paths {
		lib, err := openLibrary(path)
		if err == nil {
			return lib, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
	}
	return nil, fmt.Errorf("unable to load the VPL library: %w", errors.Join(errs...))
}

// packVersion encodes the version the way mfxVersion lays it out.
func packVersion(v hw.Version) uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)
}

func unpackVersion(v uint32) hw.Version {
	return hw.Version{Major: uint16(v >> 16), Minor: uint16(v)}
}
