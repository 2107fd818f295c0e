// Package httpapi is the admin HTTP surface: device/call visibility and
// registration control, plus the Room-Claim endpoint an external
// dispatcher can exercise directly. Routing is gorilla/mux over
// internal/httputil.ServerLifecycle's graceful listen/shutdown plumbing.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/guardian"
	"github.com/voxnexus/core/internal/httputil"
	"github.com/voxnexus/core/internal/sip"
)

var (
	errNotFound          = errors.New("device not found")
	errAlreadyRegistered = errors.New("device already registered")
)

// roomClaimTTL is the default TTL applied to a claim made through this
// admin endpoint, mirroring internal/webrtcsession's dispatch-path claim.
const roomClaimTTL = 2 * time.Hour

// Store is the subset of the persistence layer the admin surface reads.
type Store interface {
	SipExtensions(ctx context.Context) ([]domain.SipExtension, error)
	SipExtension(ctx context.Context, id string) (*domain.SipExtension, error)
	ActiveCallLogs(ctx context.Context) ([]domain.SipCallLog, error)
}

// SipController is the subset of internal/sip.Controller the admin surface
// drives and inspects.
type SipController interface {
	RegisterExtension(ctx context.Context, ext domain.SipExtension)
	Unregister(ctx context.Context, extID string) error
	RegistrationState(extID string) (sip.RegistrationState, bool)
	ActiveCallIDs() []string
}

// RoomClaimer is the broker capability the Room-Claim endpoint exercises.
type RoomClaimer interface {
	ClaimRoom(ctx context.Context, roomName, owner string, ttl time.Duration) (bool, error)
	ReleaseRoom(ctx context.Context, roomName, owner string) error
	RoomClaimOwner(ctx context.Context, roomName string) (string, error)
}

// Server is the admin HTTP surface.
type Server struct {
	httputil.ServerLifecycle

	store      Store
	sipCtl     SipController
	claimer    RoomClaimer
	supervisor *guardian.Supervisor
	router     *mux.Router
}

// New builds a Server and registers its routes.
func New(store Store, sipCtl SipController, claimer RoomClaimer, supervisor *guardian.Supervisor) *Server {
	s := &Server{store: store, sipCtl: sipCtl, claimer: claimer, supervisor: supervisor, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	s.router.HandleFunc("/calls", s.handleListCalls).Methods(http.MethodGet)
	s.router.HandleFunc("/devices/{id}/register", s.handleRegisterDevice).Methods(http.MethodPost)
	s.router.HandleFunc("/devices/{id}/unregister", s.handleUnregisterDevice).Methods(http.MethodPost)
	s.router.HandleFunc("/claim-room", s.handleClaimRoom).Methods(http.MethodPost)
	s.router.HandleFunc("/claim-room", s.handleReleaseRoom).Methods(http.MethodDelete)
}

// Serve blocks, listening on addr, until ctx is cancelled (graceful
// shutdown) or the server exits on its own.
func (s *Server) Serve(ctx context.Context, addr string) error {
	timeouts := httputil.Timeouts{Read: 10 * time.Second, Write: 10 * time.Second, Idle: 60 * time.Second}
	return s.ServerLifecycle.Serve(ctx, addr, s.router, timeouts, "httpapi")
}

type healthResponse struct {
	Status            string `json:"status"`
	RegisteredDevices int    `json:"registered_devices"`
	ActiveCalls       int    `json:"active_calls"`
	GuardianActive    bool   `json:"guardian_active"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	exts, err := s.store.SipExtensions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	registered := 0
	for _, e := range exts {
		if st, ok := s.sipCtl.RegistrationState(e.ID); ok && st == sip.StateRegistered {
			registered++
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		RegisteredDevices: registered,
		ActiveCalls:       len(s.sipCtl.ActiveCallIDs()),
		GuardianActive:    s.supervisor.AnyHumanActive(),
	})
}

type deviceView struct {
	domain.SipExtension
	LiveRegistered bool `json:"live_registered"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	exts, err := s.store.SipExtensions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]deviceView, 0, len(exts))
	for _, e := range exts {
		st, ok := s.sipCtl.RegistrationState(e.ID)
		views = append(views, deviceView{SipExtension: e, LiveRegistered: ok && st == sip.StateRegistered})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.store.ActiveCallLogs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ext, err := s.store.SipExtension(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ext == nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	if st, ok := s.sipCtl.RegistrationState(id); ok && st == sip.StateRegistered {
		writeError(w, http.StatusBadRequest, errAlreadyRegistered)
		return
	}
	s.sipCtl.RegisterExtension(r.Context(), *ext)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ext, err := s.store.SipExtension(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ext == nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	if err := s.sipCtl.Unregister(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type claimRoomRequest struct {
	RoomName string `json:"roomName"`
	AgentID  string `json:"agentId"`
}

type claimRoomResponse struct {
	Claimed         bool   `json:"claimed"`
	ExistingAgentID string `json:"existingAgentId,omitempty"`
}

func (s *Server) handleClaimRoom(w http.ResponseWriter, r *http.Request) {
	var req claimRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok, err := s.claimer.ClaimRoom(r.Context(), req.RoomName, req.AgentID, roomClaimTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := claimRoomResponse{Claimed: ok}
	if !ok {
		owner, err := s.claimer.RoomClaimOwner(r.Context(), req.RoomName)
		if err == nil {
			resp.ExistingAgentID = owner
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReleaseRoom(w http.ResponseWriter, r *http.Request) {
	var req claimRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.claimer.ReleaseRoom(r.Context(), req.RoomName, req.AgentID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
