package fastboot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/transport"
)

// Server accepts host connections and runs one Session per connection.
// All sessions share the server's command table.
type Server struct {
	listener transport.Listener
	commands *CommandTable
	opts     []Option

	// SessionDone, if set, is called after each session ends.
	SessionDone func(s *Session, err error)

	mutex   sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewServer creates a server for listener. The options apply to every
// session it starts.
func NewServer(listener transport.Listener, commands *CommandTable, opts ...Option) (*Server, error) {
	if listener == nil || commands == nil {
		return nil, fmt.Errorf("%w: nil listener or command table", pkg.ErrInvalidParameter)
	}
	if _, err := NewConfig(opts...); err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		commands: commands,
		opts:     opts,
	}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, then waits for running sessions to end. A cancelled context or a
// closed listener is an orderly stop and returns nil.
func (srv *Server) Serve(ctx context.Context) error {
	srv.mutex.Lock()
	if srv.running {
		srv.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	srv.running = true
	srv.mutex.Unlock()

	defer func() {
		srv.wg.Wait()
		srv.mutex.Lock()
		srv.running = false
		srv.mutex.Unlock()
	}()

	pkg.LogInfo(pkg.ComponentServer, "serving", "addr", srv.listener.Addr())

	for {
		t, err := srv.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pkg.ErrClosed) {
				pkg.LogInfo(pkg.ComponentServer, "stopped", "addr", srv.listener.Addr())
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s, err := NewSession(t, srv.commands, srv.opts...)
		if err != nil {
			t.Close()
			return err
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			err := s.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				pkg.LogWarn(pkg.ComponentServer, "session ended with error",
					"session", s.ID(),
					"error", err)
			}
			if srv.SessionDone != nil {
				srv.SessionDone(s, err)
			}
		}()
	}
}

// Close stops accepting connections. Running sessions continue until their
// hosts disconnect or the Serve context is cancelled.
func (srv *Server) Close() error {
	return srv.listener.Close()
}
