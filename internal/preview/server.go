// Package preview serves a browser page that shows playback and live
// monitoring over a websocket.
package preview

import (
	"bufio"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/babelcloud/mediarecorder/internal/util"
)

//go:embed static
var staticFiles embed.FS

const subscriberBuffer = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool, page and socket share the origin anyway
	},
}

// Server hosts the preview page and the media websocket.
type Server struct {
	addr string
	mux  *http.ServeMux
	log  *slog.Logger

	video *Broadcaster
	audio *Broadcaster

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer returns a server that will listen on addr.
func NewServer(addr string) *Server {
	s := &Server{
		addr:  addr,
		mux:   http.NewServeMux(),
		log:   util.ComponentLogger("preview"),
		video: NewBroadcaster("video"),
		audio: NewBroadcaster("audio"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	static, _ := fs.Sub(staticFiles, "static")
	s.mux.Handle("/", http.FileServer(http.FS(static)))
	s.mux.HandleFunc("/ws", s.serveWebSocket)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok viewers=%d\n", s.Viewers())
	})
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.log, s.mux)
}

// VideoSurface returns a playback surface publishing to this server.
func (s *Server) VideoSurface() *VideoSurface { return &VideoSurface{b: s.video} }

// AudioSurface returns a playback surface publishing to this server.
func (s *Server) AudioSurface() *AudioSurface { return &AudioSurface{b: s.audio} }

// Viewers returns the number of connected clients.
func (s *Server) Viewers() int { return s.video.SubscriberCount() }

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.addr)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Preview server stopped", "error", err)
		}
	}()
	s.log.Info("🌐 Preview available", "url", s.URL())
	return nil
}

// URL returns the page address once the server is listening.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	addr := s.listener.Addr().(*net.TCPAddr)
	host := "localhost"
	if !addr.IP.IsUnspecified() {
		host = addr.IP.String()
	}
	return fmt.Sprintf("http://%s/", net.JoinHostPort(host, fmt.Sprint(addr.Port)))
}

// Stop disconnects viewers and shuts the server down.
func (s *Server) Stop() error {
	s.video.Close()
	s.audio.Close()

	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("Preview server shutdown error", "error", err)
		return srv.Close()
	}
	return nil
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	audioCh := s.audio.Subscribe(id, subscriberBuffer)
	videoCh := s.video.Subscribe(id, subscriberBuffer)
	defer s.video.Unsubscribe(id)
	defer s.audio.Unsubscribe(id)
	s.log.Info("Viewer connected", "id", id, "remote", r.RemoteAddr)

	// The page never sends anything; reading only detects disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for videoCh != nil || audioCh != nil {
		var msg []byte
		var ok bool
		select {
		case <-gone:
			s.log.Info("Viewer disconnected", "id", id)
			return
		case <-r.Context().Done():
			return
		case msg, ok = <-videoCh:
			if !ok {
				videoCh = nil
				continue
			}
		case msg, ok = <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			s.log.Debug("Viewer write failed", "id", id, "error", err)
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "preview closed"))
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path,
			"status", lw.status, "bytes", lw.length, "duration", time.Since(start), "remote", r.RemoteAddr)
	})
}
