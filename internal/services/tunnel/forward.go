package tunnel

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

type tunnel struct {
	listener net.Listener
	client   SSHClient
	remote   string
	logger   zerolog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	closing bool
	conns   map[net.Conn]struct{}

	stopOnce sync.Once
	stopErr  error
}

func (t *tunnel) LocalPort() int {
	if addr, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (t *tunnel) serve() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Warn().Err(err).Msg("accept failed, forward stopped")
			}
			return
		}
		t.wg.Add(1)
		go t.handle(local)
	}
}

func (t *tunnel) handle(local net.Conn) {
	defer t.wg.Done()

	if !t.track(local) {
		_ = local.Close()
		return
	}
	defer t.untrack(local)

	remote, err := t.client.Dial("tcp", t.remote)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to open forwarded channel")
		_ = local.Close()
		return
	}
	if !t.track(remote) {
		_ = remote.Close()
		_ = local.Close()
		return
	}
	defer t.untrack(remote)

	t.logger.Debug().Str("client", local.RemoteAddr().String()).Msg("channel opened")
	pipe(local, remote)
	t.logger.Debug().Str("client", local.RemoteAddr().String()).Msg("channel closed")
}

// pipe copies in both directions until either side finishes, then closes both.
func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}

func (t *tunnel) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *tunnel) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

// Close stops accepting, drops open channels and waits for the pumps to exit.
func (t *tunnel) Close() error {
	err := t.stop()
	t.wait()
	return err
}

// stop closes the listener and every tracked connection without waiting.
// A handler still blocked in client.Dial only returns once the SSH client
// is closed, so callers owning the client close it between stop and wait.
func (t *tunnel) stop() error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		conns := make([]net.Conn, 0, len(t.conns))
		for c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.Unlock()

		if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.stopErr = err
		}
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return t.stopErr
}

func (t *tunnel) wait() {
	t.wg.Wait()
}
