// Package prof captures pprof profiles of a running fastbootd.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/fastbootd
//	fastbootd -profile /tmp/fbprof
//
// Without the tag [Start] does nothing, so callers need no conditional
// code. With it, [Start] streams a CPU profile and, when stopped, writes
// heap, allocation, goroutine, block and mutex snapshots next to it:
//
//	stop, err := prof.Start(dir)
//	if err != nil {
//		return err
//	}
//	defer stop()
//
// Read the results with go tool pprof, for example
// "go tool pprof dir/cpu.prof".
package prof
