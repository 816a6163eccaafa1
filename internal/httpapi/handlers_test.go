package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dialcore/internal/agents"
	"dialcore/internal/auth"
	"dialcore/internal/calls"
	"dialcore/internal/dialqueue"
	"dialcore/internal/dispositions"
	"dialcore/internal/flows"
	"dialcore/internal/telephony"

	"github.com/gin-gonic/gin"
)

func identity(agentID, orgID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), agentID, orgID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, Handlers) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	queue := dialqueue.NewManager(nil, dialqueue.NewMemoryLease(), nil, dialqueue.Config{})
	tracker := agents.NewTracker(nil, queue, agents.Config{})
	queue.BindGate(tracker)
	registry := dispositions.NewRegistry()
	engine := calls.NewEngine(calls.NewMemoryStore(), nil, registry, telephony.NewFakeDriver(), calls.Config{
		Agents: tracker,
		Queue:  queue,
	})
	h := Handlers{
		Agents:       tracker,
		Queue:        queue,
		Engine:       engine,
		Flows:        flows.NewTracker(nil, flows.Config{}),
		Dispositions: registry,
	}

	tracker.Register("agent1", "org1")
	tracker.SetStatus(context.Background(), "agent1", agents.StatusAvailable)
	tracker.JoinCampaign("agent1", "camp1")

	r := gin.New()
	r.Use(identity("agent1", "org1", "agent"))
	r.POST("/campaigns/:campaign_id/queue", h.EnqueueContact)
	r.POST("/campaigns/:campaign_id/claim", h.ClaimNext)
	r.POST("/calls", h.StartCall)
	r.POST("/calls/:call_id/dispose", h.DisposeCall)
	r.POST("/webhooks/telephony/signal", h.TelephonySignal)
	return r, h
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestClaimStartSignalDispose(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/campaigns/camp1/queue",
		`{"contact_id":"contact1","contact_number":"+15550001"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue: expected 201, got %d: %s", w.Code, w.Body)
	}

	w = doJSON(t, r, http.MethodPost, "/campaigns/camp1/claim", "")
	if w.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", w.Code, w.Body)
	}
	var entry dialqueue.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entry); err != nil {
		t.Fatalf("claim body: %v", err)
	}

	w = doJSON(t, r, http.MethodPost, "/calls", `{"queue_entry_id":"`+entry.ID+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", w.Code, w.Body)
	}
	var call calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &call); err != nil {
		t.Fatalf("start body: %v", err)
	}

	w = doJSON(t, r, http.MethodPost, "/webhooks/telephony/signal",
		`{"signal":"answered","call_id":"`+call.ID+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("answered: expected 200, got %d: %s", w.Code, w.Body)
	}

	w = doJSON(t, r, http.MethodPost, "/webhooks/telephony/signal",
		`{"signal":"hangup","call_id":"`+call.ID+`","party_role":"remote"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("hangup: expected 200, got %d: %s", w.Code, w.Body)
	}

	// Unregistered code is a validation error; the call stays disposable.
	w = doJSON(t, r, http.MethodPost, "/calls/"+call.ID+"/dispose", `{"code":"nope"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad dispose: expected 400, got %d: %s", w.Code, w.Body)
	}

	w = doJSON(t, r, http.MethodPost, "/calls/"+call.ID+"/dispose", `{"code":"sale_made"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("dispose: expected 200, got %d: %s", w.Code, w.Body)
	}
}

func TestInboundSignalCreatesCall(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/webhooks/telephony/signal",
		`{"signal":"inbound","call_id":"prov-in-1","org_id":"org1","agent_id":"agent1","campaign_id":"camp1","contact_number":"+15550009"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("inbound: expected 201, got %d: %s", w.Code, w.Body)
	}
	var call calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &call); err != nil {
		t.Fatalf("inbound body: %v", err)
	}
	if call.Direction != calls.DirectionInbound || call.State != calls.StateInitiated {
		t.Fatalf("unexpected inbound call: %+v", call)
	}

	// Without a campaign the leg is rejected; no fallback bucket exists.
	w = doJSON(t, r, http.MethodPost, "/webhooks/telephony/signal",
		`{"signal":"inbound","call_id":"prov-in-2","org_id":"org1","agent_id":"agent1","contact_number":"+15550009"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("inbound without campaign: expected 400, got %d: %s", w.Code, w.Body)
	}
}

func TestClaimEmptyQueueIs404(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/campaigns/camp1/claim", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for empty queue, got %d: %s", w.Code, w.Body)
	}
}

func TestDuplicateEnqueueIs409(t *testing.T) {
	r, _ := newTestRouter(t)
	body := `{"contact_id":"contact1","contact_number":"+15550001"}`
	doJSON(t, r, http.MethodPost, "/campaigns/camp1/queue", body)
	w := doJSON(t, r, http.MethodPost, "/campaigns/camp1/queue", body)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate enqueue, got %d: %s", w.Code, w.Body)
	}
}

func TestStartCallRejectsForeignClaim(t *testing.T) {
	r, h := newTestRouter(t)

	h.Agents.Register("agent2", "org1")
	h.Agents.SetStatus(context.Background(), "agent2", agents.StatusAvailable)
	h.Agents.JoinCampaign("agent2", "camp1")

	doJSON(t, r, http.MethodPost, "/campaigns/camp1/queue",
		`{"contact_id":"contact1","contact_number":"+15550001"}`)
	entry, err := h.Queue.ClaimNext(context.Background(), "camp1", "agent2")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// agent1 (the request identity) tries to dial agent2's entry.
	w := doJSON(t, r, http.MethodPost, "/calls", `{"queue_entry_id":"`+entry.ID+`"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body)
	}
}
