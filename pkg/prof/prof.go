//go:build profile

package prof

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/ardnew/fastbootd/pkg"
)

// Enabled reports whether profiling is compiled in.
const Enabled = true

// ErrActive indicates a profile is already being captured.
var ErrActive = errors.New("profiling already active")

// Snapshots lists the profiles written when a capture stops, in addition to
// cpu.prof.
var Snapshots = []string{"heap", "allocs", "goroutine", "block", "mutex"}

var (
	// mutex protects active.
	mutex  sync.Mutex
	active bool
)

// Start begins a capture into dir: a CPU profile streams to dir/cpu.prof
// and block and mutex events are recorded. The returned stop function ends
// the capture and writes one <name>.prof snapshot per entry of Snapshots.
// stop may be called more than once.
func Start(dir string) (stop func() error, err error) {
	mutex.Lock()
	defer mutex.Unlock()

	if active {
		return nil, ErrActive
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(dir, "cpu.prof"))
	if err != nil {
		return nil, err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, err
	}
	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
	active = true

	pkg.LogInfo(pkg.ComponentServer, "profiling started", "dir", dir)

	var once sync.Once
	return func() error {
		var errs []error
		once.Do(func() {
			mutex.Lock()
			defer mutex.Unlock()

			pprof.StopCPUProfile()
			errs = append(errs, f.Close())
			for _, name := range Snapshots {
				errs = append(errs, writeSnapshot(dir, name))
			}
			runtime.SetBlockProfileRate(0)
			runtime.SetMutexProfileFraction(0)
			active = false

			pkg.LogInfo(pkg.ComponentServer, "profiling stopped", "dir", dir)
		})
		return errors.Join(errs...)
	}, nil
}

func writeSnapshot(dir, name string) error {
	p := pprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("unknown profile %q", name)
	}
	f, err := os.Create(filepath.Join(dir, name+".prof"))
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
