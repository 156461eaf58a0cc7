package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/boardpilot/boardpilot/internal/action"
	"github.com/boardpilot/boardpilot/internal/agent"
	"github.com/boardpilot/boardpilot/internal/schedule"
	"github.com/boardpilot/boardpilot/internal/store"
	"github.com/boardpilot/boardpilot/internal/webhook"
)

const maxAPIBody = 1 << 20

// api is the daemon's local control surface. Webhook deliveries mount under
// /hooks/ with their own verification; everything else is for operators and
// chat frontends on the loopback interface.
type api struct {
	sessions  *agent.SessionRunner
	scheduler *schedule.Scheduler
	triggers  *agent.TriggerRunner
	receiver  *webhook.Receiver
	store     *store.Store
	logger    *slog.Logger
}

func newAPI(sessions *agent.SessionRunner, scheduler *schedule.Scheduler, triggers *agent.TriggerRunner, receiver *webhook.Receiver, st *store.Store, logger *slog.Logger) *api {
	return &api{
		sessions:  sessions,
		scheduler: scheduler,
		triggers:  triggers,
		receiver:  receiver,
		store:     st,
		logger:    logger,
	}
}

func (a *api) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("POST /v1/messages", a.handleMessage)
	mux.HandleFunc("POST /v1/approvals", a.handleApproval)
	mux.HandleFunc("POST /v1/schedules", a.handleCreateSchedule)
	mux.HandleFunc("POST /v1/schedules/{id}/run", a.handleRunSchedule)
	mux.HandleFunc("POST /v1/webhooks", a.handleCreateWebhook)
	mux.HandleFunc("POST /v1/mentions", a.handleMention)
	mux.Handle("/hooks/", a.receiver)
	return mux
}

func (a *api) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

type caller struct {
	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (c caller) context(r *http.Request) (action.Context, error) {
	if c.OrgID == "" || c.ProjectID == "" || c.UserID == "" {
		return action.Context{}, errors.New("org_id, project_id and user_id are required")
	}
	cred := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return action.NewContext(c.OrgID, c.ProjectID, c.UserID, c.SessionID, cred), nil
}

func (a *api) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		caller
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	actx, err := req.context(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	result, err := a.sessions.HandleMessage(r.Context(), actx, req.Message)
	if err != nil {
		a.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		caller
		PendingCallID string `json:"pending_call_id"`
		Approved      bool   `json:"approved"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	actx, err := req.context(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.PendingCallID == "" {
		writeError(w, http.StatusBadRequest, errors.New("pending_call_id is required"))
		return
	}
	outcome, err := a.sessions.ResolveApproval(r.Context(), actx, req.PendingCallID, req.Approved)
	if err != nil {
		a.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (a *api) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID       string `json:"org_id"`
		ProjectID   string `json:"project_id"`
		Name        string `json:"name"`
		CronExpr    string `json:"cron_expr"`
		Instruction string `json:"instruction"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrgID == "" || req.ProjectID == "" || req.CronExpr == "" || req.Instruction == "" {
		writeError(w, http.StatusBadRequest, errors.New("org_id, project_id, cron_expr and instruction are required"))
		return
	}
	id, err := a.scheduler.Create(r.Context(), store.Schedule{
		OrgID:       req.OrgID,
		ProjectID:   req.ProjectID,
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		Instruction: req.Instruction,
		Enabled:     true,
	})
	if err != nil {
		a.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *api) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.scheduler.ExecuteByID(r.Context(), id); err != nil {
		a.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "id": id})
}

func (a *api) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID     string `json:"org_id"`
		ProjectID string `json:"project_id"`
		Secret    string `json:"secret"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrgID == "" || req.ProjectID == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, errors.New("org_id, project_id and secret are required"))
		return
	}
	id, err := a.store.InsertWebhook(r.Context(), store.Webhook{
		OrgID:     req.OrgID,
		ProjectID: req.ProjectID,
		SecretEnc: req.Secret,
		Enabled:   true,
	})
	if err != nil {
		a.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":  id,
		"url": "/hooks/" + id,
	})
}

// handleMention accepts a comment mention and starts the agent run off the
// request goroutine, mirroring webhook delivery semantics.
func (a *api) handleMention(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID     string `json:"org_id"`
		ProjectID string `json:"project_id"`
		TaskID    string `json:"task_id"`
		CommentID string `json:"comment_id"`
		AuthorID  string `json:"author_id"`
		Body      string `json:"body"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrgID == "" || req.ProjectID == "" || req.CommentID == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, errors.New("org_id, project_id, comment_id and body are required"))
		return
	}
	mention := agent.Mention{
		OrgID:     req.OrgID,
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		CommentID: req.CommentID,
		AuthorID:  req.AuthorID,
		Body:      req.Body,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := a.triggers.TriggerMention(ctx, mention); err != nil {
			a.logger.Error("mention trigger failed", "comment_id", mention.CommentID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// writeActionError maps the typed action errors onto HTTP statuses.
func (a *api) writeActionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, action.ErrPermissionDenied), errors.Is(err, action.ErrApprovalDenied):
		status = http.StatusForbidden
	case errors.Is(err, action.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, action.ErrValidationFailed):
		status = http.StatusBadRequest
	case errors.Is(err, action.ErrLimitExceeded):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("malformed json body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
