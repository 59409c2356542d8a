//go:build darwin || linux

package vpl

import (
	"fmt"

	"github.com/ebitengine/purego"
)

func openLibrary(path string) (_ *library, _err error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _err != nil {
			purego.Dlclose(handle)
		}
	}()
	for _, name := range symbolSet {
		if _, err := purego.Dlsym(handle, name); err != nil {
			return nil, fmt.Errorf("symbol %s: %w", name, err)
		}
	}

	lib := &library{path: path, handle: handle}
	purego.RegisterLibFunc(&lib.init, handle, "MFXInit")
	purego.RegisterLibFunc(&lib.close, handle, "MFXClose")
	purego.RegisterLibFunc(&lib.queryIMPL, handle, "MFXQueryIMPL")
	purego.RegisterLibFunc(&lib.queryVersion, handle, "MFXQueryVersion")
	purego.RegisterLibFunc(&lib.joinSession, handle, "MFXJoinSession")
	purego.RegisterLibFunc(&lib.disjoinSession, handle, "MFXDisjoinSession")
	purego.RegisterLibFunc(&lib.setHandle, handle, "MFXVideoCORE_SetHandle")
	purego.RegisterLibFunc(&lib.syncOperation, handle, "MFXVideoCORE_SyncOperation")
	return lib, nil
}
