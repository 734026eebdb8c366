//go:build !windows

package vendorusb

import "errors"

// ErrUnsupportedPlatform is returned by OpenLib on non-Windows builds: the
// vendor DLL is a Windows-only artifact with no portable equivalent.
var ErrUnsupportedPlatform = errors.New("vendorusb: unsupported on this platform")

func openLib() (Lib, error) { return nil, ErrUnsupportedPlatform }
