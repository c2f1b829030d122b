package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	eventBacklog   = 64
	eventWriteWait = 10 * time.Second
)

// apiServer exposes the Service over HTTP: CRUD on tunnels and a WebSocket
// stream of status snapshots.
type apiServer struct {
	service  *Service
	upgrader websocket.Upgrader
}

type createTunnelRequest struct {
	TunnelConfig
	Password   string `json:"sshPassword"`
	PrivateKey string `json:"sshPrivateKey"`
	Passphrase string `json:"sshPassphrase"`
}

type createTunnelResponse struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Tunnel  *TunnelConfig `json:"tunnel,omitempty"`
}

type statusEvent struct {
	Event  string       `json:"event"`
	Tunnel TunnelConfig `json:"tunnel"`
}

func newAPIRouter(service *Service, metrics http.Handler) http.Handler {
	s := &apiServer{
		service: service,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Route("/tunnels", func(r chi.Router) {
		r.Get("/", s.listTunnels)
		r.Post("/", s.createTunnel)
		r.Get("/{id}", s.getTunnel)
		r.Delete("/{id}", s.stopTunnel)
	})
	r.Get("/events", s.streamEvents)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *apiServer) listTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.GetAllTunnels())
}

func (s *apiServer) getTunnel(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.service.GetTunnel(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *apiServer) stopTunnel(w http.ResponseWriter, r *http.Request) {
	s.service.StopTunnel(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, createTunnelResponse{Success: true})
}

func createStatus(err error) int {
	switch {
	case errors.Is(err, ErrDuplicateTunnelID):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrInvalidKind):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (s *apiServer) createTunnel(w http.ResponseWriter, r *http.Request) {
	var req createTunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, createTunnelResponse{Error: "invalid request body"})
		return
	}

	cfg := req.TunnelConfig
	cfg.SSHPassword = req.Password
	cfg.SSHPrivateKey = req.PrivateKey
	cfg.SSHPassphrase = req.Passphrase
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	if err := s.service.Create(r.Context(), cfg); err != nil {
		writeJSON(w, createStatus(err), createTunnelResponse{Error: err.Error()})
		return
	}
	resp := createTunnelResponse{Success: true}
	if snap, ok := s.service.GetTunnel(cfg.ID); ok {
		resp.Tunnel = &snap
	}
	writeJSON(w, http.StatusCreated, resp)
}

// streamEvents pushes every status snapshot to a WebSocket client. Frames
// are dropped while the client is behind.
func (s *apiServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade failed: %s", err)
		return
	}
	defer conn.Close()

	events := make(chan TunnelConfig, eventBacklog)
	unsubscribe := s.service.Subscribe(func(cfg TunnelConfig) {
		select {
		case events <- cfg:
		default:
		}
	})
	defer unsubscribe()

	// The read side only detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case cfg := <-events:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(statusEvent{Event: "status", Tunnel: cfg}); err != nil {
				log.Debugf("websocket write failed: %s", err)
				return
			}
		}
	}
}
