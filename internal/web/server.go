// Package web serves a parsed transcript as a browsable HTML page on a
// local port. One server instance backs one share; the daemon points the
// tunnel subprocess at it.
package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	"github.com/tracecast/tracecast/internal/parser"
)

// Server renders one session over HTTP. The source transcript is watched
// for changes; connected websocket clients get a reload notice when the
// session grows.
type Server struct {
	path     string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	session *parser.Session

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}

	httpServer *http.Server
	listener   net.Listener
	watcher    *fsnotify.Watcher
	done       chan struct{}
	closeOnce  sync.Once
}

// New parses the transcript at path and prepares a server for it.
func New(path string, logger *slog.Logger) (*Server, error) {
	session, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		path:    path,
		logger:  logger,
		session: session,
		clients: map[*websocket.Conn]struct{}{},
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Tunnel vendors terminate TLS and forward with their own
			// origin; the page itself is the only intended client.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	return s, nil
}

// Start binds a local port and begins serving. Port zero asks the kernel
// for an ephemeral port; otherwise ports base..base+100 are tried in order.
func (s *Server) Start(basePort int) (int, error) {
	ln, err := listen(basePort)
	if err != nil {
		return 0, err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSession)
	mux.HandleFunc("/download", s.handleDownload)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = ln.Close()
		return 0, fmt.Errorf("create transcript watcher: %w", err)
	}
	// Watch the directory: editors and agents replace transcript files
	// with rename+create, which a file watch would lose.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		_ = ln.Close()
		return 0, fmt.Errorf("watch transcript dir: %w", err)
	}
	s.watcher = watcher
	go s.watchLoop()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("render server stopped", "error", err)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	s.logger.Debug("render server listening", "port", port, "transcript", s.path)
	return port, nil
}

// Stop shuts the server down and disconnects all clients.
func (s *Server) Stop() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}

		s.clientsMu.Lock()
		for conn := range s.clients {
			_ = conn.Close()
		}
		s.clients = map[*websocket.Conn]struct{}{}
		s.clientsMu.Unlock()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = s.httpServer.Shutdown(ctx)
		}
	})
	return err
}

// Session returns the currently loaded session.
func (s *Server) Session() *parser.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

func listen(basePort int) (net.Listener, error) {
	if basePort <= 0 {
		return net.Listen("tcp", "127.0.0.1:0")
	}
	for port := basePort; port <= basePort+100; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no free port in %d..%d", basePort, basePort+100)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if err := sessionTemplate.Execute(w, newSessionView(session)); err != nil {
		s.logger.Error("render session", "error", err)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	contents, err := os.ReadFile(s.path)
	if err != nil {
		http.Error(w, "transcript not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/jsonl")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(s.path)))
	_, _ = w.Write(contents)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	s.clientsMu.Unlock()

	// Drain the connection; clients only listen, so the first read error
	// means they went away.
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, conn)
			s.clientsMu.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) watchLoop() {
	// Transcripts are appended in bursts; debounce so one agent turn
	// produces one reload.
	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("transcript watcher", "error", err)
		}
	}
}

func (s *Server) reload() {
	session, err := parser.ParseFile(s.path)
	if err != nil {
		s.logger.Warn("reparse transcript", "error", err)
		return
	}
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	s.logger.Debug("transcript updated", "blocks", len(session.Blocks))

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, []byte("reload")); err != nil {
			delete(s.clients, conn)
			_ = conn.Close()
		}
	}
}
