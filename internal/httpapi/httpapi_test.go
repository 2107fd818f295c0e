package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/guardian"
	"github.com/voxnexus/core/internal/sip"
	"github.com/voxnexus/core/internal/testutil"
)

type fakeStore struct {
	extensions []domain.SipExtension
	calls      []domain.SipCallLog
}

func (f *fakeStore) SipExtensions(ctx context.Context) ([]domain.SipExtension, error) {
	return f.extensions, nil
}

func (f *fakeStore) SipExtension(ctx context.Context, id string) (*domain.SipExtension, error) {
	for _, e := range f.extensions {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ActiveCallLogs(ctx context.Context) ([]domain.SipCallLog, error) {
	return f.calls, nil
}

type fakeSipController struct {
	states     map[string]sip.RegistrationState
	registered []string
	unregd     []string
}

func (f *fakeSipController) RegisterExtension(ctx context.Context, ext domain.SipExtension) {
	f.registered = append(f.registered, ext.ID)
	f.states[ext.ID] = sip.StateRegistered
}
func (f *fakeSipController) Unregister(ctx context.Context, extID string) error {
	f.unregd = append(f.unregd, extID)
	return nil
}
func (f *fakeSipController) RegistrationState(extID string) (sip.RegistrationState, bool) {
	s, ok := f.states[extID]
	return s, ok
}
func (f *fakeSipController) ActiveCallIDs() []string { return nil }

type fakeClaimer struct {
	claimed map[string]string
}

func (f *fakeClaimer) ClaimRoom(ctx context.Context, roomName, owner string, ttl time.Duration) (bool, error) {
	if existing, ok := f.claimed[roomName]; ok {
		return existing == owner, nil
	}
	f.claimed[roomName] = owner
	return true, nil
}
func (f *fakeClaimer) ReleaseRoom(ctx context.Context, roomName, owner string) error {
	if f.claimed[roomName] == owner {
		delete(f.claimed, roomName)
	}
	return nil
}
func (f *fakeClaimer) RoomClaimOwner(ctx context.Context, roomName string) (string, error) {
	return f.claimed[roomName], nil
}

func newTestServer() (*Server, *fakeStore, *fakeSipController, *fakeClaimer) {
	store := &fakeStore{extensions: []domain.SipExtension{{ID: "ext-1", AgentConfigID: "agent-1"}}}
	sipCtl := &fakeSipController{states: map[string]sip.RegistrationState{}}
	claimer := &fakeClaimer{claimed: map[string]string{}}
	sup := guardian.NewSupervisor(guardian.NewCommandBus(nil), nil, "test-worker")
	return New(store, sipCtl, claimer, sup), store, sipCtl, claimer
}

func TestHandleHealthReportsCounts(t *testing.T) {
	s, _, _, _ := newTestServer()
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp healthResponse
	testutil.AssertNoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	testutil.AssertEqual(t, "ok", resp.Status)
}

func TestHandleRegisterDeviceReturns404ForUnknownDevice(t *testing.T) {
	s, _, _, _ := newTestServer()
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/devices/missing/register", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHandleRegisterDeviceReturns400WhenAlreadyRegistered(t *testing.T) {
	s, _, sipCtl, _ := newTestServer()
	sipCtl.states["ext-1"] = sip.StateRegistered

	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/devices/ext-1/register", nil))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleRegisterDeviceSucceeds(t *testing.T) {
	s, _, sipCtl, _ := newTestServer()
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/devices/ext-1/register", nil))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if len(sipCtl.registered) != 1 || sipCtl.registered[0] != "ext-1" {
		t.Fatalf("RegisterExtension not invoked for ext-1: %v", sipCtl.registered)
	}
}

func TestHandleUnregisterDeviceReturns404ForUnknownDevice(t *testing.T) {
	s, _, _, _ := newTestServer()
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/devices/missing/unregister", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHandleClaimRoomReturnsExistingAgentOnConflict(t *testing.T) {
	s, _, _, claimer := newTestServer()
	claimer.claimed["room-1"] = "agent-a"

	body, _ := json.Marshal(claimRoomRequest{RoomName: "room-1", AgentID: "agent-b"})
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/claim-room", bytes.NewReader(body)))

	var resp claimRoomResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Claimed {
		t.Fatal("expected claimed=false for a room already held by another agent")
	}
	if resp.ExistingAgentID != "agent-a" {
		t.Fatalf("existingAgentId = %q, want agent-a", resp.ExistingAgentID)
	}
}

func TestHandleClaimRoomThenReleaseRoom(t *testing.T) {
	s, _, _, claimer := newTestServer()

	body, _ := json.Marshal(claimRoomRequest{RoomName: "room-2", AgentID: "agent-a"})
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/claim-room", bytes.NewReader(body)))

	var resp claimRoomResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if !resp.Claimed {
		t.Fatal("expected claimed=true for an unclaimed room")
	}

	rr2 := httptest.NewRecorder()
	s.router.ServeHTTP(rr2, httptest.NewRequest(http.MethodDelete, "/claim-room", bytes.NewReader(body)))
	if rr2.Code != http.StatusOK {
		t.Fatalf("release status = %d, want 200", rr2.Code)
	}
	if _, held := claimer.claimed["room-2"]; held {
		t.Fatal("room-2 should be released")
	}
}
