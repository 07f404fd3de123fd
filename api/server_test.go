package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/saga"
)

type stubService struct {
	instances map[string]*saga.Instance
	inFlight  int
	startErr  error
}

func (s *stubService) StartSaga(ctx context.Context, sagaType string, payload json.RawMessage) (*saga.Instance, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	instance := &saga.Instance{
		ID:      "saga-123",
		Type:    sagaType,
		State:   saga.StatePending,
		Payload: payload,
	}
	return instance, nil
}

func (s *stubService) GetSaga(ctx context.Context, sagaID string) (*saga.Instance, error) {
	instance, ok := s.instances[sagaID]
	if !ok {
		return nil, saga.ErrSagaNotFound
	}
	return instance, nil
}

func (s *stubService) InFlight(ctx context.Context) (int, error) {
	return s.inFlight, nil
}

func newTestServer(t *testing.T, service SagaService) *Server {
	t.Helper()

	gin.SetMode(gin.TestMode)
	server, err := NewServer(DefaultServerConfig(), service, nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return server
}

func TestStartSagaAccepted(t *testing.T) {
	server := newTestServer(t, &stubService{})

	body := strings.NewReader(`{"type":"OrderCheckout","payload":{"order_id":"o-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/sagas", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["saga_id"] != "saga-123" {
		t.Errorf("expected saga_id in response, got %v", resp)
	}
	if resp["state"] != string(saga.StatePending) {
		t.Errorf("expected PENDING state, got %q", resp["state"])
	}
}

func TestStartSagaUnknownType(t *testing.T) {
	server := newTestServer(t, &stubService{
		startErr: core.NewError(core.ErrNotFound, "saga definition not registered"),
	})

	body := strings.NewReader(`{"type":"Unknown"}`)
	req := httptest.NewRequest(http.MethodPost, "/sagas", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown saga type, got %d", w.Code)
	}
}

func TestStartSagaMissingType(t *testing.T) {
	server := newTestServer(t, &stubService{})

	body := strings.NewReader(`{"payload":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/sagas", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing type, got %d", w.Code)
	}
}

func TestGetSaga(t *testing.T) {
	now := time.Now()
	service := &stubService{
		instances: map[string]*saga.Instance{
			"saga-1": {
				ID:    "saga-1",
				Type:  "OrderCheckout",
				State: saga.StateInProgress,
				Steps: []saga.StepRecord{
					{Sequence: 0, Name: "reserve_inventory", Status: saga.StepStatusCompleted},
					{Sequence: 1, Name: "charge_payment", Status: saga.StepStatusSent, SentAt: &now},
				},
				CurrentStep: 1,
			},
		},
	}
	server := newTestServer(t, service)

	req := httptest.NewRequest(http.MethodGet, "/sagas/saga-1", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp saga.Instance
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.State != saga.StateInProgress {
		t.Errorf("expected IN_PROGRESS, got %s", resp.State)
	}
	if len(resp.Steps) != 2 {
		t.Errorf("expected 2 step records, got %d", len(resp.Steps))
	}
}

func TestGetSagaNotFound(t *testing.T) {
	server := newTestServer(t, &stubService{instances: map[string]*saga.Instance{}})

	req := httptest.NewRequest(http.MethodGet, "/sagas/missing", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, &stubService{inFlight: 7})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Status   string `json:"status"`
		InFlight int    `json:"in_flight"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.InFlight != 7 {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestWatchWithoutEventBus(t *testing.T) {
	server := newTestServer(t, &stubService{instances: map[string]*saga.Instance{
		"saga-1": {ID: "saga-1"},
	}})

	req := httptest.NewRequest(http.MethodGet, "/sagas/saga-1/watch", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotImplemented {
		t.Errorf("expected 501 without an event bus, got %d", w.Code)
	}
}
