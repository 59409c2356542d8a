//go:build !darwin && !linux

package vpl

import (
	"errors"
)

func openLibrary(path string) (*library, error) {
	return nil, errors.New("dynamic loading is not supported on this platform")
}
