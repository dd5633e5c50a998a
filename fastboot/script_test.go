package fastboot

import (
	"io"
	"sync"

	"github.com/ardnew/fastbootd/pkg"
)

// scriptTransport replays host messages and records device writes.
type scriptTransport struct {
	mutex sync.Mutex

	in      [][]byte
	partial bool
	maxRead int   // caps each Read to simulate short reads (0 = unlimited)
	readErr error // returned once the script is exhausted (default io.EOF)

	writes   [][]byte
	writeErr error
	failAt   int // fail the write with this 1-based index (0 = never)

	closed   bool
	discards int
}

func newScript(msgs ...string) *scriptTransport {
	t := &scriptTransport{}
	for _, m := range msgs {
		t.in = append(t.in, []byte(m))
	}
	return t
}

func (t *scriptTransport) push(msg []byte) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.in = append(t.in, msg)
}

func (t *scriptTransport) Read(p []byte) (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return 0, pkg.ErrClosed
	}
	if len(t.in) == 0 {
		if t.readErr != nil {
			return 0, t.readErr
		}
		return 0, io.EOF
	}

	if t.maxRead > 0 && len(p) > t.maxRead {
		p = p[:t.maxRead]
	}
	n := copy(p, t.in[0])
	t.in[0] = t.in[0][n:]
	t.partial = len(t.in[0]) > 0
	if !t.partial {
		t.in = t.in[1:]
	}
	return n, nil
}

func (t *scriptTransport) Write(p []byte) (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return 0, pkg.ErrClosed
	}
	if t.failAt > 0 && len(t.writes)+1 == t.failAt {
		if t.writeErr == nil {
			return 0, io.ErrClosedPipe
		}
		return 0, t.writeErr
	}
	t.writes = append(t.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (t *scriptTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.closed = true
	return nil
}

func (t *scriptTransport) DiscardMessage() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.discards++
	if t.partial {
		t.in = t.in[1:]
		t.partial = false
	}
	return nil
}

// records returns every write as a string.
func (t *scriptTransport) records() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := make([]string, len(t.writes))
	for i, w := range t.writes {
		out[i] = string(w)
	}
	return out
}

// blockingTransport blocks every Read until it is closed.
type blockingTransport struct {
	closeOnce sync.Once
	done      chan struct{}
}

func newBlocking() *blockingTransport {
	return &blockingTransport{done: make(chan struct{})}
}

func (t *blockingTransport) Read(p []byte) (int, error) {
	<-t.done
	return 0, pkg.ErrClosed
}

func (t *blockingTransport) Write(p []byte) (int, error) { return len(p), nil }

func (t *blockingTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
