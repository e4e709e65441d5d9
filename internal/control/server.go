package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/taskmaster/internal/log"
)

const (
	// DefaultAddress is where the daemon listens and the client connects.
	DefaultAddress = "tcp://127.0.0.1:3333"
	// MaxRequestSize limits the length of one request line.
	MaxRequestSize = 64 * 1024
)

// ParseAddress splits `tcp://host:port`, `unix:///path`, a bare `host:port`
// or an absolute socket path into a network and an address.
func ParseAddress(s string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(s, "tcp://"):
		network, address = "tcp", strings.TrimPrefix(s, "tcp://")
	case strings.HasPrefix(s, "unix://"):
		network, address = "unix", strings.TrimPrefix(s, "unix://")
	case strings.HasPrefix(s, "/"):
		network, address = "unix", s
	case strings.Contains(s, "://"):
		return "", "", fmt.Errorf("unsupported scheme in %q", s)
	default:
		network, address = "tcp", s
	}
	if address == "" {
		return "", "", fmt.Errorf("empty address in %q", s)
	}
	return network, address, nil
}

// Listen opens the control socket. A stale unix socket file is removed first.
func Listen(ctx context.Context, address string) (net.Listener, error) {
	network, addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := os.Remove(addr); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return ln, nil
}

// Server answers newline delimited JSON requests, one response line per
// request line, sequentially per connection.
type Server struct {
	backend Backend

	mx    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(b Backend) *Server {
	return &Server{
		backend: b,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until ctx is done, then closes the listener and
// all open connections and waits for their handlers. It returns nil on
// cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeConns()
	})
	defer stop()
	defer s.wg.Wait()

	slog.InfoContext(ctx, "control server listening", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.closeConns()
			return fmt.Errorf("accepting connection: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Go(func() {
			defer s.untrack(conn)
			s.handle(ctx, conn)
		})
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	ctx = log.ContextAttrs(ctx, slog.String("conn_id", uuid.NewString()))
	slog.DebugContext(ctx, "client connected", "remote", conn.RemoteAddr().String())
	defer slog.DebugContext(ctx, "client disconnected")

	r := bufio.NewReaderSize(conn, 4096)
	enc := json.NewEncoder(conn)
	var buf []byte
	for {
		var err error
		buf, err = readRequest(r, buf)
		var resp Response
		switch {
		case errors.Is(err, errRequestTooLong):
			slog.WarnContext(ctx, "request discarded", "error", err)
			resp = failure(fmt.Errorf("%w: %w", ErrMalformed, err))
		case err != nil:
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.WarnContext(ctx, "reading request failed", "error", err)
			}
			return
		default:
			line := bytes.TrimSpace(buf)
			if len(line) == 0 {
				continue
			}
			resp = Handle(ctx, s.backend, line)
		}
		if err := enc.Encode(resp); err != nil {
			slog.WarnContext(ctx, "writing response failed", "error", err)
			return
		}
		if resp.Success && resp.Type == CommandExit {
			s.backend.Shutdown(ctx)
		}
	}
}

var errRequestTooLong = fmt.Errorf("request exceeds %d bytes", MaxRequestSize)

// readRequest reads one line into buf. A line longer than MaxRequestSize is
// consumed up to its newline and reported as errRequestTooLong, so the next
// call starts at the following request.
func readRequest(r *bufio.Reader, buf []byte) ([]byte, error) {
	buf = buf[:0]
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > MaxRequestSize+1 {
				tooLong = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		switch {
		case tooLong && (err == nil || errors.Is(err, io.EOF)):
			return buf, errRequestTooLong
		case errors.Is(err, io.EOF) && len(buf) > 0:
			// last request without a trailing newline
			return buf, nil
		}
		return buf, err
	}
}

// track returns false once the server is closing.
func (s *Server) track(conn net.Conn) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
	_ = conn.Close()
}

func (s *Server) closeConns() {
	s.mx.Lock()
	defer s.mx.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}
