package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"searchsync/agent"
	"searchsync/outbox"
)

type agentResponse struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Name           string   `json:"name"`
	State          string   `json:"state"`
	Expiration     string   `json:"expiration"`
	Expired        bool     `json:"expired"`
	Shard          string   `json:"shard,omitempty"`
	ClusterMembers []string `json:"clusterMembers"`
}

func toAgentResponse(a agent.Agent, now time.Time) agentResponse {
	resp := agentResponse{
		ID:             a.ID.String(),
		Type:           string(a.Type),
		Name:           a.Name,
		State:          string(a.State),
		Expiration:     a.Expiration.UTC().Format(time.RFC3339Nano),
		Expired:        a.IsExpired(now),
		ClusterMembers: a.ClusterMembers,
	}
	if resp.ClusterMembers == nil {
		resp.ClusterMembers = []string{}
	}
	if a.Shard != nil {
		resp.Shard = a.Shard.String()
	}
	return resp
}

type eventResponse struct {
	ID           string          `json:"id"`
	EntityName   string          `json:"entityName"`
	EntityID     string          `json:"entityId"`
	EntityIDHash int32           `json:"entityIdHash"`
	Retries      int             `json:"retries"`
	ProcessAfter string          `json:"processAfter"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func toEventResponse(e outbox.Event) eventResponse {
	resp := eventResponse{
		ID:           e.ID.String(),
		EntityName:   e.EntityName,
		EntityID:     e.EntityID,
		EntityIDHash: e.EntityIDHash,
		Retries:      e.Retries,
		ProcessAfter: e.ProcessAfter.UTC().Format(time.RFC3339Nano),
		Status:       string(e.Status),
	}
	if len(e.Payload) > 0 && json.Valid(e.Payload) {
		resp.Payload = json.RawMessage(e.Payload)
	}
	return resp
}

type submitRequest struct {
	EntityName   string         `json:"entityName" binding:"required"`
	EntityID     string         `json:"entityId" binding:"required"`
	Payload      map[string]any `json:"payload"`
	ProcessAfter *time.Time     `json:"processAfter"`
}

func (s *Server) handleReady(c *gin.Context) {
	if err := s.store.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  "database connection failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleAgents(c *gin.Context) {
	agents, err := s.agents.FindAllOrderByID(c.Request.Context(), s.store)
	if err != nil {
		s.internalError(c, err)
		return
	}
	now := s.now()
	items := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		items = append(items, toAgentResponse(a, now))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

func (s *Server) handleEvents(c *gin.Context) {
	filter := outbox.Filter{
		Status:     outbox.Status(c.Query("status")),
		EntityName: c.Query("entity"),
	}
	switch filter.Status {
	case "", outbox.StatusPending, outbox.StatusAborted:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be PENDING or ABORTED"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	ctx := c.Request.Context()
	events, err := s.events.FindAny(ctx, s.store, filter)
	if err != nil {
		s.internalError(c, err)
		return
	}
	counts, err := s.events.CountByStatus(ctx, s.store)
	if err != nil {
		s.internalError(c, err)
		return
	}

	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, toEventResponse(e))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items), "counts": counts})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entityName and entityId are required"})
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	payload, err := s.codec.Encode(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry := outbox.Entry{EntityName: req.EntityName, EntityID: req.EntityID, Payload: payload}
	if req.ProcessAfter != nil {
		entry.ProcessAfter = *req.ProcessAfter
	}
	id, err := s.sender.Send(c.Request.Context(), s.store, entry)
	if err != nil {
		if errors.Is(err, outbox.ErrInvalidEntry) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.internalError(c, err)
		return
	}
	s.onSubmit()
	c.JSON(http.StatusCreated, gin.H{"id": id.String()})
}

func (s *Server) handleRevive(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}
	n, err := s.events.Revive(c.Request.Context(), s.store, s.now(), id)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no aborted event with that id"})
		return
	}
	s.onSubmit()
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "status": string(outbox.StatusPending)})
}

func (s *Server) internalError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
