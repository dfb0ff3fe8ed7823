// Package websocket serves the update status to local observers: a
// WebSocket stream of every status transition plus small JSON endpoints for
// the current status, the install history and component health.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/breeze-rmm/vrupdate/internal/health"
	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/update"
	"github.com/breeze-rmm/vrupdate/internal/updater"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024

	shutdownTimeout = 5 * time.Second
)

// Source is the read side of the update manager.
type Source interface {
	Subscribe() (<-chan updater.Event, func())
	StatusEvent() updater.Event
	History() []update.InstalledInfo
	AvailableUpdates() []update.PackageInfo
	CurrentVersion() string
}

// HealthSource reports component health.
type HealthSource interface {
	Overall() health.Status
	Summary() map[string]any
}

type Config struct {
	Addr string
	// MaxClients caps concurrent connections, HTTP and WebSocket alike.
	MaxClients int
}

// StatusMessage is one frame on the status stream. Status is the flat
// status object: the variant's fields plus "state" and "at".
type StatusMessage struct {
	Type   string          `json:"type"`
	Seq    uint64          `json:"seq"`
	Status json.RawMessage `json:"status"`
}

type Server struct {
	src    Source
	health HealthSource
	cfg    Config

	upgrader websocket.Upgrader

	done     chan struct{}
	stopOnce sync.Once
	conns    sync.WaitGroup
}

func NewServer(src Source, hs HealthSource, cfg Config) *Server {
	if cfg.MaxClients < 1 {
		cfg.MaxClients = 16
	}
	s := &Server{
		src:    src,
		health: hs,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      sameOrigin,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then closes every stream.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, s.cfg.MaxClients)
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("status server listening", "addr", ln.Addr().String(), "maxClients", s.cfg.MaxClients)

	select {
	case err := <-errCh:
		s.close()
		return err
	case <-ctx.Done():
	}

	s.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.conns.Wait()
	if err2 := <-errCh; err2 != nil && !errors.Is(err2, http.ErrServerClosed) && err == nil {
		err = err2
	}
	log.Info("status server stopped")
	return err
}

func (s *Server) close() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, logging.KeyError, err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	events, cancel := s.src.Subscribe()
	s.conns.Add(1)
	log.Debug("status subscriber connected", "remote", r.RemoteAddr)

	closed := make(chan struct{})
	go func() {
		defer s.conns.Done()
		s.writePump(conn, events, closed)
		cancel()
		conn.Close()
	}()
	s.readPump(conn)
	close(closed)
}

// readPump only services control frames; client messages are ignored.
func (s *Server) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read error", logging.KeyError, err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, events <-chan updater.Event, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			msg, err := encodeEvent(ev)
			if err != nil {
				log.Error("failed to encode status", "state", ev.Status.State(), logging.KeyError, err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("write error", logging.KeyError, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encodeEvent(ev updater.Event) ([]byte, error) {
	status, err := update.MarshalStatus(ev.Status, ev.At)
	if err != nil {
		return nil, err
	}
	return json.Marshal(StatusMessage{Type: "status", Seq: ev.Seq, Status: status})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	CurrentVersion string               `json:"currentVersion"`
	Seq            uint64               `json:"seq"`
	Status         json.RawMessage      `json:"status"`
	Available      []update.PackageInfo `json:"available"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ev := s.src.StatusEvent()
	status, err := update.MarshalStatus(ev.Status, ev.At)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		CurrentVersion: s.src.CurrentVersion(),
		Seq:            ev.Seq,
		Status:         status,
		Available:      s.src.AvailableUpdates(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.History())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": health.Unknown})
		return
	}
	code := http.StatusOK
	if s.health.Overall() == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, s.health.Summary())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("failed to write response", logging.KeyError, err)
	}
}

// sameOrigin admits non-browser clients (no Origin header) and pages served
// from the same host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
