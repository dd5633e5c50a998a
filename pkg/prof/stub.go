//go:build !profile

package prof

import (
	"errors"

	"github.com/ardnew/fastbootd/pkg"
)

// Enabled reports whether profiling is compiled in.
const Enabled = false

// ErrActive indicates a profile is already being captured. Never returned
// without the "profile" build tag.
var ErrActive = errors.New("profiling already active")

// Snapshots is empty without the "profile" build tag.
var Snapshots []string

// Start is a no-op without the "profile" build tag; the returned stop
// function does nothing.
func Start(dir string) (stop func() error, err error) {
	pkg.LogWarn(pkg.ComponentServer, "profiling not compiled in, rebuild with -tags profile", "dir", dir)
	return func() error { return nil }, nil
}
