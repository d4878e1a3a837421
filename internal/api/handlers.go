package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/ranch-cloud/rcc-ledger/internal/logging"
	"github.com/ranch-cloud/rcc-ledger/internal/service/accounts"
	"github.com/ranch-cloud/rcc-ledger/internal/service/grants"
	"github.com/ranch-cloud/rcc-ledger/internal/service/reservation"
	"github.com/ranch-cloud/rcc-ledger/internal/storage"
	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisterAccountRequest is the request to register an account
type RegisterAccountRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// RegisterAccountResponse returns the new account and its API key. The
// key is shown exactly once.
type RegisterAccountResponse struct {
	Account *models.Account `json:"account"`
	APIKey  string          `json:"api_key"`
}

// CreateTaskRequest is the request to create a billable task
type CreateTaskRequest struct {
	Kind        string `json:"kind" binding:"required,oneof=IMAGE VIDEO"`
	Metadata    string `json:"metadata,omitempty"`
	AdminBypass bool   `json:"admin_bypass,omitempty"`
}

// TaskStatusRequest reports a task status transition
type TaskStatusRequest struct {
	Status     string `json:"status" binding:"required,oneof=running succeeded failed"`
	OutputRef  string `json:"output_ref,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// PaymentWebhookRequest is a payment-provider delivery
type PaymentWebhookRequest struct {
	EventID     string `json:"event_id" binding:"required"`
	AccountID   string `json:"account_id" binding:"required"`
	GrantType   string `json:"grant_type" binding:"required,oneof=subscription topup"`
	Credits     int64  `json:"credits" binding:"required,gt=0"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

// PaymentWebhookResponse acknowledges a delivery
type PaymentWebhookResponse struct {
	Applied bool   `json:"applied"`
	EventID string `json:"event_id"`
}

// AdjustRequest is an admin manual balance correction
type AdjustRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Delta     int64  `json:"delta" binding:"required"`
	Note      string `json:"note,omitempty"`
}

// BalanceResponse reports an account's balance
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if s.auditor != nil {
		response.Services["auditor"] = "running"
	}

	// Return 503 if not ready (e.g., during startup)
	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now(),
	}

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

// Accounts

func (s *Server) handleRegisterAccount(c *gin.Context) {
	var req RegisterAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	// Registration never creates administrators; promotion happens
	// through the CLI.
	reg, err := s.accounts.Register(c.Request.Context(), req.Email, false)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			s.jsonError(c, http.StatusConflict, "email already registered")
		case errors.Is(err, accounts.ErrInvalidEmail):
			s.jsonError(c, http.StatusBadRequest, "invalid email address")
		default:
			s.internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusCreated, RegisterAccountResponse{
		Account: reg.Account,
		APIKey:  reg.APIKey,
	})
}

// Tasks

func (s *Server) handleCreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	account := currentAccount(c)
	if req.AdminBypass && !account.IsAdmin {
		s.jsonError(c, http.StatusForbidden, "admin bypass requires administrator access")
		return
	}

	// Administrators are never billed: their tasks bypass the ledger
	// whether or not they ask for it
	ctx := logging.WithAccountID(c.Request.Context(), account.ID)
	task, err := s.engine.CreateTask(ctx, reservation.CreateRequest{
		AccountID:   account.ID,
		Kind:        models.TaskKind(req.Kind),
		Metadata:    req.Metadata,
		AdminBypass: req.AdminBypass || account.IsAdmin,
	})
	if err != nil {
		if errors.Is(err, reservation.ErrInsufficientBalance) {
			s.jsonError(c, http.StatusPaymentRequired, "insufficient balance")
			return
		}
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleGetTaskEntries(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}

	entries, err := s.engine.EntriesForTask(c.Request.Context(), task.ID)
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "entries": entries})
}

func (s *Server) handleListTasks(c *gin.Context) {
	account := currentAccount(c)

	filter := storage.TaskFilter{
		AccountID: account.ID,
		Status:    models.TaskStatus(c.Query("status")),
		Kind:      models.TaskKind(c.Query("kind")),
		Limit:     50,
	}

	// Admins may list across accounts
	if account.IsAdmin {
		filter.AccountID = c.Query("account_id")
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		v, err := strconv.Atoi(limitStr)
		if err != nil || v < 1 || v > 500 {
			s.jsonError(c, http.StatusBadRequest,
				fmt.Sprintf("invalid limit: must be 1-500, got %q", limitStr))
			return
		}
		filter.Limit = v
	}

	tasks, err := s.engine.ListTasks(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	var req TaskStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}

	ctx := logging.WithTaskID(c.Request.Context(), task.ID)
	updated, err := s.engine.Transition(ctx, task.ID, models.TaskStatus(req.Status), reservation.Completion{
		OutputRef:  req.OutputRef,
		DurationMS: req.DurationMS,
	})
	if err != nil {
		var ite *reservation.InvalidTransitionError
		if errors.As(err, &ite) {
			s.jsonError(c, http.StatusConflict, ite.Error())
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			s.jsonError(c, http.StatusNotFound, "task not found")
			return
		}
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, updated)
}

// loadOwnedTask fetches the :id task and enforces that non-admin callers
// only see their own tasks. Foreign tasks read as not-found rather than
// forbidden, so task IDs are not probeable.
func (s *Server) loadOwnedTask(c *gin.Context) (*models.Task, bool) {
	account := currentAccount(c)

	task, err := s.engine.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.jsonError(c, http.StatusNotFound, "task not found")
		} else {
			s.internalError(c, err)
		}
		return nil, false
	}

	if !account.IsAdmin && task.AccountID != account.ID {
		s.jsonError(c, http.StatusNotFound, "task not found")
		return nil, false
	}

	return task, true
}

// Wallet

func (s *Server) handleGetBalance(c *gin.Context) {
	account := currentAccount(c)

	balance, err := s.wallet.BalanceOf(c.Request.Context(), account.ID)
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, BalanceResponse{AccountID: account.ID, Balance: balance})
}

func (s *Server) handleGetHistory(c *gin.Context) {
	account := currentAccount(c)

	limit, offset := 0, 0
	if limitStr := c.Query("limit"); limitStr != "" {
		v, err := strconv.Atoi(limitStr)
		if err != nil || v < 1 || v > 1000 {
			s.jsonError(c, http.StatusBadRequest,
				fmt.Sprintf("invalid limit: must be 1-1000, got %q", limitStr))
			return
		}
		limit = v
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		v, err := strconv.Atoi(offsetStr)
		if err != nil || v < 0 {
			s.jsonError(c, http.StatusBadRequest,
				fmt.Sprintf("invalid offset: must be non-negative, got %q", offsetStr))
			return
		}
		offset = v
	}

	entries, err := s.wallet.History(c.Request.Context(), account.ID, limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleGetPayments(c *gin.Context) {
	account := currentAccount(c)

	payments, err := s.wallet.Payments(c.Request.Context(), account.ID, 100)
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// Payment webhook

func (s *Server) handlePaymentWebhook(c *gin.Context) {
	var req PaymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	result, err := s.grants.ApplyPaymentEvent(c.Request.Context(), models.PaymentEvent{
		EventID:     req.EventID,
		AccountID:   req.AccountID,
		GrantType:   models.GrantKind(req.GrantType),
		Credits:     req.Credits,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	})
	if err != nil {
		switch {
		case grants.IsInvalidGrant(err):
			s.jsonError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			s.jsonError(c, http.StatusNotFound, "account not found")
		default:
			s.internalError(c, err)
		}
		return
	}

	// Replays acknowledge with 200 so the provider stops retrying
	c.JSON(http.StatusOK, PaymentWebhookResponse{
		Applied: result.Applied,
		EventID: req.EventID,
	})
}

// Admin

func (s *Server) handleAdminAdjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	actor := currentAccount(c)
	entry, err := s.grants.ApplyManualAdjustment(c.Request.Context(),
		actor, req.AccountID, req.Delta, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, grants.ErrUnauthorized):
			s.jsonError(c, http.StatusForbidden, "administrator access required")
		case grants.IsInvalidGrant(err):
			s.jsonError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			s.jsonError(c, http.StatusNotFound, "account not found")
		default:
			s.internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleAdminStats(c *gin.Context) {
	ctx := c.Request.Context()

	summary, err := s.wallet.Summarize(ctx)
	if err != nil {
		s.internalError(c, err)
		return
	}

	taskCounts, err := s.engine.CountByStatus(ctx)
	if err != nil {
		s.internalError(c, err)
		return
	}

	accountCount, err := s.accounts.Count(ctx)
	if err != nil {
		s.internalError(c, err)
		return
	}

	stats := gin.H{
		"outstanding_credits": summary.OutstandingCredits,
		"ledger_by_reason":    summary.ByReason,
		"tasks_by_status":     taskCounts,
		"accounts":            accountCount,
	}

	if s.auditor != nil {
		sweeps, findings, errs := s.auditor.GetMetrics().Snapshot()
		stats["auditor"] = gin.H{
			"sweeps_run": sweeps,
			"findings":   findings,
			"errors":     errs,
		}
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleAdminListAccounts(c *gin.Context) {
	list, err := s.accounts.List(c.Request.Context(), 200, 0)
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"accounts": list, "count": len(list)})
}

// Error helpers

func (s *Server) jsonError(c *gin.Context, status int, msg string) {
	c.JSON(status, ErrorResponse{
		Error:     msg,
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	var verr validator.ValidationErrors
	if errors.As(err, &verr) && len(verr) > 0 {
		fe := verr[0]
		s.jsonError(c, http.StatusBadRequest,
			fmt.Sprintf("invalid request: field %q failed %q validation", fe.Field(), fe.Tag()))
		return
	}
	s.jsonError(c, http.StatusBadRequest, "invalid request body")
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("request failed",
		"error", err.Error(),
		"request_id", c.GetString("request_id"))
	s.jsonError(c, http.StatusInternalServerError, "internal server error")
}
