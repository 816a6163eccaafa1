package httpapi

import (
	"errors"
	"net/http"
	"time"

	"dialcore/internal/agents"
	"dialcore/internal/auth"
	"dialcore/internal/calls"
	"dialcore/internal/dialqueue"
	"dialcore/internal/dispositions"
	"dialcore/internal/events"
	"dialcore/internal/flows"
	"dialcore/internal/rbac"
	"dialcore/internal/telephony"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth         *auth.Manager
	Agents       *agents.Tracker
	Queue        *dialqueue.Manager
	Engine       *calls.Engine
	Flows        *flows.Tracker
	Dispositions *dispositions.Registry
	Bus          *events.Bus
}

// mapError translates domain errors into HTTP status codes. An empty queue is
// normal control flow and is reported as 404 without server-side logging.
func mapError(c *gin.Context, err error) {
	var status int
	switch {
	case errors.Is(err, dialqueue.ErrValidation),
		errors.Is(err, calls.ErrValidation),
		errors.Is(err, flows.ErrValidation),
		errors.Is(err, agents.ErrValidation),
		errors.Is(err, dispositions.ErrValidation),
		errors.Is(err, events.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, dialqueue.ErrConflict),
		errors.Is(err, flows.ErrConflict),
		errors.Is(err, dispositions.ErrConflict),
		errors.Is(err, dialqueue.ErrInvalidStatus),
		errors.Is(err, calls.ErrInvalidTransition),
		errors.Is(err, flows.ErrFinished),
		errors.Is(err, agents.ErrPendingDisposition),
		errors.Is(err, agents.ErrOwnsCall),
		errors.Is(err, agents.ErrNotAvailable),
		errors.Is(err, agents.ErrNotMember):
		status = http.StatusConflict
	case errors.Is(err, dialqueue.ErrEmpty),
		errors.Is(err, dialqueue.ErrNotFound),
		errors.Is(err, calls.ErrCallNotFound),
		errors.Is(err, flows.ErrNotFound),
		errors.Is(err, agents.ErrNotFound),
		errors.Is(err, dispositions.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, telephony.ErrTransportUnavailable):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// --- Auth ---

type loginRequest struct {
	AgentID string `json:"agent_id"`
	OrgID   string `json:"org_id"`
	Role    string `json:"role"`
}

// Login issues an access token and registers the agent's presence record.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.AgentID == "" || req.OrgID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "agent_id, org_id, role required"})
		return
	}
	token, err := h.Auth.Issue(time.Now(), req.AgentID, req.OrgID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	if _, err := h.Agents.Register(req.AgentID, req.OrgID); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token})
}

// --- Agents ---

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h Handlers) SetAgentStatus(c *gin.Context) {
	agentID, err := auth.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent identity required"})
		return
	}
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	a, err := h.Agents.SetStatus(c.Request.Context(), agentID, agents.Status(req.Status))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h Handlers) JoinCampaign(c *gin.Context) {
	agentID, err := auth.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent identity required"})
		return
	}
	if err := h.Agents.JoinCampaign(agentID, c.Param("campaign_id")); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined"})
}

func (h Handlers) LeaveCampaign(c *gin.Context) {
	agentID, err := auth.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent identity required"})
		return
	}
	if err := h.Agents.LeaveCampaign(c.Request.Context(), agentID, c.Param("campaign_id")); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (h Handlers) GetAgent(c *gin.Context) {
	a, err := h.Agents.Get(c.Param("agent_id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// --- Dial queue ---

type enqueueRequest struct {
	ContactID     string `json:"contact_id"`
	ContactNumber string `json:"contact_number"`
}

func (h Handlers) EnqueueContact(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	entry, err := h.Queue.Enqueue(c.Request.Context(), c.Param("campaign_id"), req.ContactID, req.ContactNumber)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ClaimNext hands the oldest queued entry of the campaign to the calling
// agent. 404 means the queue is empty, which is not a failure.
func (h Handlers) ClaimNext(c *gin.Context) {
	agentID, err := auth.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent identity required"})
		return
	}
	entry, err := h.Queue.ClaimNext(c.Request.Context(), c.Param("campaign_id"), agentID)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h Handlers) ReleaseEntry(c *gin.Context) {
	if err := h.Queue.Release(c.Request.Context(), c.Param("entry_id"), dialqueue.ReleaseReasonManual); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

func (h Handlers) QueueDepth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"campaign_id": c.Param("campaign_id"), "depth": h.Queue.Depth(c.Param("campaign_id"))})
}

// --- Calls ---

type startCallRequest struct {
	QueueEntryID string `json:"queue_entry_id"`
}

// StartCall originates the outbound leg for a claimed queue entry.
func (h Handlers) StartCall(c *gin.Context) {
	agentID, err := auth.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent identity required"})
		return
	}
	orgID, _ := auth.OrgID(c.Request.Context())

	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	entry, ok := h.Queue.Entry(req.QueueEntryID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "queue entry not found"})
		return
	}
	if entry.ClaimedBy != agentID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "entry claimed by another agent"})
		return
	}

	call, err := h.Engine.StartOutbound(c.Request.Context(), calls.StartParams{
		OrgID:         orgID,
		AgentID:       agentID,
		CampaignID:    entry.CampaignID,
		ContactID:     entry.ContactID,
		ContactNumber: entry.ContactNumber,
		QueueEntryID:  entry.ID,
	})
	if err != nil {
		if errors.Is(err, telephony.ErrTransportUnavailable) {
			// The call record exists, already failed; surface both.
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error(), "call": call})
			return
		}
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) GetCall(c *gin.Context) {
	call, err := h.Engine.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) HoldCall(c *gin.Context) {
	call, err := h.Engine.Hold(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) UnholdCall(c *gin.Context) {
	call, err := h.Engine.Unhold(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (h Handlers) MuteCall(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	call, err := h.Engine.SetMuted(c.Request.Context(), c.Param("call_id"), req.Muted)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

type transferRequest struct {
	Target string `json:"target"`
}

func (h Handlers) TransferCall(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	call, err := h.Engine.Transfer(c.Request.Context(), c.Param("call_id"), req.Target)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) HangupCall(c *gin.Context) {
	call, err := h.Engine.Hangup(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

type disposeRequest struct {
	Code      string `json:"code"`
	Notes     string `json:"notes"`
	Confirmed bool   `json:"confirmed"`
}

// DisposeCall records the agent-entered outcome. A rejected code returns 400
// and the call stays ended with the agent's claim gate closed; the client
// redisplays the required fields.
func (h Handlers) DisposeCall(c *gin.Context) {
	var req disposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	call, err := h.Engine.Dispose(c.Request.Context(), c.Param("call_id"), req.Code, req.Notes, req.Confirmed)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// --- Telephony webhook ---

type signalRequest struct {
	Signal    string    `json:"signal"`
	CallID    string    `json:"call_id"`
	PartyRole string    `json:"party_role"`
	Timestamp time.Time `json:"timestamp"`

	// Set on "inbound" only: the provider announces a new leg and the call
	// record does not exist yet.
	OrgID         string `json:"org_id"`
	AgentID       string `json:"agent_id"`
	CampaignID    string `json:"campaign_id"`
	ContactID     string `json:"contact_id"`
	ContactNumber string `json:"contact_number"`
}

// TelephonySignal ingests authoritative transport signals. "inbound" creates
// the call record; "ringing" is a progress notification, not a Signal kind,
// and maps to the ringing transition directly.
func (h Handlers) TelephonySignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	if req.Signal == "inbound" {
		call, err := h.Engine.StartInbound(c.Request.Context(), calls.InboundParams{
			CallID:        req.CallID,
			OrgID:         req.OrgID,
			AgentID:       req.AgentID,
			CampaignID:    req.CampaignID,
			ContactID:     req.ContactID,
			ContactNumber: req.ContactNumber,
		})
		if err != nil {
			mapError(c, err)
			return
		}
		c.JSON(http.StatusCreated, call)
		return
	}

	if req.Signal == "ringing" {
		call, err := h.Engine.MarkRinging(c.Request.Context(), req.CallID)
		if err != nil {
			mapError(c, err)
			return
		}
		c.JSON(http.StatusOK, call)
		return
	}

	call, err := h.Engine.HandleSignal(c.Request.Context(), telephony.Signal{
		Kind:      telephony.SignalKind(req.Signal),
		CallID:    req.CallID,
		PartyRole: telephony.PartyRole(req.PartyRole),
		Timestamp: req.Timestamp,
	})
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// --- Dispositions ---

func (h Handlers) ListDispositions(c *gin.Context) {
	c.JSON(http.StatusOK, h.Dispositions.All())
}

type registerOutcomeRequest struct {
	Code                 string `json:"code"`
	Label                string `json:"label"`
	Band                 string `json:"band"`
	RequiresNotes        bool   `json:"requires_notes"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
}

func (h Handlers) RegisterDisposition(c *gin.Context) {
	var req registerOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	o := dispositions.Outcome{
		Code:                 req.Code,
		Label:                req.Label,
		Band:                 dispositions.Band(req.Band),
		RequiresNotes:        req.RequiresNotes,
		RequiresConfirmation: req.RequiresConfirmation,
	}
	if err := h.Dispositions.Register(o); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

// --- Flows ---

type registerFlowRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Steps []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Blocking  bool   `json:"blocking"`
		TimeoutMS int64  `json:"timeout_ms"`
	} `json:"steps"`
}

func (h Handlers) RegisterFlow(c *gin.Context) {
	var req registerFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	def := flows.FlowDefinition{ID: req.ID, Name: req.Name}
	for _, s := range req.Steps {
		def.Steps = append(def.Steps, flows.StepDef{
			ID:       s.ID,
			Name:     s.Name,
			Blocking: s.Blocking,
			Timeout:  time.Duration(s.TimeoutMS) * time.Millisecond,
		})
	}
	if err := h.Flows.RegisterFlow(def); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

type startFlowRequest struct {
	FlowID      string `json:"flow_id"`
	TriggerType string `json:"trigger_type"`
}

func (h Handlers) StartFlow(c *gin.Context) {
	var req startFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ex, err := h.Flows.Start(c.Request.Context(), req.FlowID, c.Param("call_id"), req.TriggerType)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ex)
}

type advanceFlowRequest struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (h Handlers) AdvanceFlow(c *gin.Context) {
	var req advanceFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ex, err := h.Flows.Advance(c.Request.Context(), c.Param("execution_id"), flows.StepResult{
		Status: flows.StepStatus(req.Status),
		Error:  req.Error,
	})
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, ex)
}

func (h Handlers) GetFlowExecution(c *gin.Context) {
	ex, err := h.Flows.Get(c.Param("execution_id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, ex)
}

// --- Admin ---

// DeadLetters exposes exhausted event deliveries to operators.
func (h Handlers) DeadLetters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"dead_letters": h.Bus.DeadLetters()})
}

// Convenience middleware bundles.

func RequireOrgAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOrg(), rbac.RequireAnyRole(roles...)}
}
