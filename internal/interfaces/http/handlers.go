package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/application/workflow"
	"github.com/garyjia/campus-approvals/internal/domain/grading"
	"github.com/garyjia/campus-approvals/internal/domain/identity"
	domainwf "github.com/garyjia/campus-approvals/internal/domain/workflow"
	"github.com/garyjia/campus-approvals/pkg/utils"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	engine  workflow.Engine
	scales  *grading.Registry
	version string
	logger  Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(engine workflow.Engine, scales *grading.Registry, version string, logger Logger) *Handlers {
	return &Handlers{
		engine:  engine,
		scales:  scales,
		version: version,
		logger:  logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// SubmitRequest is the body of POST /api/instances
type SubmitRequest struct {
	SubjectRef string         `json:"subject_ref" binding:"required"`
	Definition string         `json:"definition" binding:"required"`
	Scope      identity.Scope `json:"scope"`
}

// DecideRequest is the body of POST /api/instances/:id/decisions
type DecideRequest struct {
	Decision string `json:"decision" binding:"required"`
	Comment  string `json:"comment"`
}

// ListInstancesRequest represents query parameters for listing instances
type ListInstancesRequest struct {
	Definition string `form:"definition"`
	Status     string `form:"status"`
	SubjectRef string `form:"subject_ref"`
	Limit      int    `form:"limit"`
	Offset     int    `form:"offset"`
}

// GPARequest is the body of POST /api/grading/:scale/gpa
type GPARequest struct {
	Units []grading.UnitResult `json:"units" binding:"required"`
}

// HistoryEntryResponse is one history entry in API responses
type HistoryEntryResponse struct {
	Seq          int    `json:"seq"`
	Stage        int    `json:"stage"`
	StageName    string `json:"stage_name"`
	ActorID      string `json:"actor_id"`
	ActorRole    string `json:"actor_role"`
	Decision     string `json:"decision"`
	Comment      string `json:"comment,omitempty"`
	ResultStatus string `json:"result_status"`
	At           string `json:"at"`
}

// InstanceSnapshot represents an instance in API responses
type InstanceSnapshot struct {
	ID                string                 `json:"id"`
	SubjectRef        string                 `json:"subject_ref"`
	SubjectScope      identity.Scope         `json:"subject_scope"`
	Definition        string                 `json:"definition"`
	DefinitionVersion int                    `json:"definition_version"`
	Stage             int                    `json:"stage"`
	StageName         string                 `json:"stage_name"`
	Status            string                 `json:"status"`
	Version           int64                  `json:"version"`
	OriginatorID      string                 `json:"originator_id"`
	HistoryLength     int                    `json:"history_length"`
	History           []HistoryEntryResponse `json:"history,omitempty"`
	CreatedAt         string                 `json:"created_at"`
	UpdatedAt         string                 `json:"updated_at"`
}

// StageResponse describes the stage an instance waits on
type StageResponse struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Terminal   bool   `json:"terminal"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   h.version,
		},
	})
}

// ListDefinitions handles GET /api/definitions
func (h *Handlers) ListDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    h.engine.Definitions(),
	})
}

// Submit handles POST /api/instances
func (h *Handlers) Submit(c *gin.Context) {
	actor, _ := actorFrom(c)

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ReasonInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	subjectRef := strings.TrimSpace(req.SubjectRef)
	if err := utils.ValidateSubjectRef(subjectRef); err != nil {
		h.respondError(c, "submit", fmt.Errorf("%w: %v", domainwf.ErrInvalidSubject, err))
		return
	}

	inst, err := h.engine.Submit(c.Request.Context(), subjectRef, req.Scope, req.Definition, actor)
	if err != nil {
		h.respondError(c, "submit", err)
		return
	}

	c.Header("ETag", etag(inst.Version))
	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    h.toSnapshot(inst, true),
	})
}

// ListInstances handles GET /api/instances
func (h *Handlers) ListInstances(c *gin.Context) {
	var req ListInstancesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ReasonInvalidRequest, "invalid query parameters")
		return
	}

	if req.Limit <= 0 || req.Limit > maxListLimit {
		req.Limit = defaultListLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	filter := port.InstanceFilter{
		Definition: req.Definition,
		SubjectRef: req.SubjectRef,
		Limit:      req.Limit,
		Offset:     req.Offset,
	}
	if req.Status != "" {
		status := domainwf.Status(strings.ToUpper(req.Status))
		if !status.IsValid() {
			abortWithError(c, http.StatusBadRequest, ReasonInvalidRequest, "unknown status "+req.Status)
			return
		}
		filter.Status = status
	}

	instances, err := h.engine.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, "list", err)
		return
	}

	snapshots := make([]InstanceSnapshot, 0, len(instances))
	for _, inst := range instances {
		snapshots = append(snapshots, h.toSnapshot(inst, false))
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    snapshots,
	})
}

// GetInstance handles GET /api/instances/:id
func (h *Handlers) GetInstance(c *gin.Context) {
	inst, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "get", err)
		return
	}

	c.Header("ETag", etag(inst.Version))
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    h.toSnapshot(inst, true),
	})
}

// Decide handles POST /api/instances/:id/decisions.
// An If-Match header carrying the snapshot version makes the decision conditional.
func (h *Handlers) Decide(c *gin.Context) {
	actor, _ := actorFrom(c)

	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ReasonInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	decision, err := domainwf.ParseDecision(req.Decision)
	if err != nil {
		h.respondError(c, "decide", err)
		return
	}

	if err := utils.ValidateComment(req.Comment); err != nil {
		abortWithError(c, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
		return
	}

	var opts []workflow.DecideOption
	if header := c.GetHeader("If-Match"); header != "" {
		version, ok := parseETag(header)
		if !ok {
			abortWithError(c, http.StatusBadRequest, ReasonInvalidRequest, "If-Match must carry an instance version")
			return
		}
		opts = append(opts, workflow.WithExpectedVersion(version))
	}

	inst, err := h.engine.Decide(c.Request.Context(), c.Param("id"), actor, decision, utils.SanitizeString(req.Comment), opts...)
	if err != nil {
		h.respondError(c, "decide", err)
		return
	}

	c.Header("ETag", etag(inst.Version))
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    h.toSnapshot(inst, true),
	})
}

// CurrentStage handles GET /api/instances/:id/stage
func (h *Handlers) CurrentStage(c *gin.Context) {
	id := c.Param("id")
	stage, err := h.engine.CurrentStage(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "stage", err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: StageResponse{
			InstanceID: id,
			Name:       stage.Name,
			Role:       stage.Role.String(),
			Terminal:   stage.Terminal,
		},
	})
}

// History handles GET /api/instances/:id/history. The optional limit stops reading early.
func (h *Handlers) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	entries := make([]HistoryEntryResponse, 0)
	for entry, err := range h.engine.History(c.Request.Context(), c.Param("id")) {
		if err != nil {
			h.respondError(c, "history", err)
			return
		}
		entries = append(entries, toHistoryEntry(entry))
		if limit > 0 && len(entries) >= limit {
			break
		}
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    entries,
	})
}

// ListScales handles GET /api/grading/scales
func (h *Handlers) ListScales(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    h.scales.List(),
	})
}

// CalculateGPA handles POST /api/grading/:scale/gpa
func (h *Handlers) CalculateGPA(c *gin.Context) {
	scale, err := h.scales.Get(c.Param("scale"))
	if err != nil {
		h.respondError(c, "gpa", err)
		return
	}

	var req GPARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ReasonInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := scale.GPA(req.Units)
	if err != nil {
		h.respondError(c, "gpa", err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    result,
	})
}

// toSnapshot converts an instance to its API form
func (h *Handlers) toSnapshot(inst *domainwf.Instance, withHistory bool) InstanceSnapshot {
	snap := InstanceSnapshot{
		ID:                inst.ID,
		SubjectRef:        inst.SubjectRef,
		SubjectScope:      inst.SubjectScope,
		Definition:        inst.Definition.Name,
		DefinitionVersion: inst.Definition.Version,
		Stage:             inst.Stage,
		Status:            inst.Status.String(),
		Version:           inst.Version,
		OriginatorID:      inst.Originator.ID,
		HistoryLength:     len(inst.History),
		CreatedAt:         inst.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         inst.UpdatedAt.Format(time.RFC3339),
	}

	if def, err := h.engine.ResolveDefinition(inst.Definition); err == nil {
		if stage, ok := def.Stage(inst.Stage); ok {
			snap.StageName = stage.Name
		}
	}

	if withHistory {
		snap.History = make([]HistoryEntryResponse, 0, len(inst.History))
		for _, entry := range inst.History {
			snap.History = append(snap.History, toHistoryEntry(entry))
		}
	}

	return snap
}

func toHistoryEntry(entry domainwf.HistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse{
		Seq:          entry.Seq,
		Stage:        entry.Stage,
		StageName:    entry.StageName,
		ActorID:      entry.Actor.ID,
		ActorRole:    entry.Actor.Role.String(),
		Decision:     entry.Decision.String(),
		Comment:      entry.Comment,
		ResultStatus: entry.ResultStatus.String(),
		At:           entry.At.Format(time.RFC3339),
	}
}

func etag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

// parseETag accepts 3, "3" and W/"3"
func parseETag(header string) (int64, bool) {
	v := strings.TrimSpace(header)
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)

	version, err := strconv.ParseInt(v, 10, 64)
	if err != nil || version <= 0 {
		return 0, false
	}
	return version, true
}
