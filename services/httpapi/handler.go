package httpapi

import (
	"context"
	"net/http"

	"leadmarket/pkg/db/pagination"
	"leadmarket/pkg/errutil"
	"leadmarket/pkg/middleware"
	"leadmarket/services/distribution"
	"leadmarket/services/jobrunner"
	"leadmarket/services/ledger"
	"leadmarket/services/provider"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type JobRunner interface {
	EnqueueDistribution(ctx context.Context, leadID string, by distribution.TriggeredBy) (*jobrunner.DistributionJob, error)
	GetDistributionStatus(ctx context.Context, leadID string) (*jobrunner.DistributionStatus, error)
	ListDeadLetters(ctx context.Context, queue string, page pagination.Pagination) ([]*jobrunner.DeadLetter, *pagination.PageInfo, error)
	GetDeadLetter(ctx context.Context, id string) (*jobrunner.DeadLetter, error)
	RetryDeadLetter(ctx context.Context, id, actorID string) (*jobrunner.DistributionJob, error)
	ResolveDeadLetter(ctx context.Context, id, actorID string) (*jobrunner.DeadLetter, error)
	QueueHealth(ctx context.Context) ([]jobrunner.QueueStats, error)
}

type Assignments interface {
	ListAssignments(ctx context.Context, leadID string, page pagination.Pagination) ([]*distribution.Assignment, *pagination.PageInfo, error)
	RefundAssignment(ctx context.Context, assignmentID, actorID string) (*distribution.Assignment, error)
}

type Depositor interface {
	Deposit(ctx context.Context, providerID string, amount int64, referenceID string) (*ledger.CreditResult, error)
}

type LedgerReader interface {
	GetBalance(ctx context.Context, providerID string) (*ledger.Balance, error)
	ListEntries(ctx context.Context, providerID string, page pagination.Pagination) ([]*ledger.LedgerEntry, *pagination.PageInfo, error)
	VerifyChain(ctx context.Context, providerID string) (*ledger.ChainReport, error)
}

type Handler struct {
	jobs        JobRunner
	assignments Assignments
	deposits    Depositor
	ledger      LedgerReader
}

type HandlerParams struct {
	fx.In
	Jobs         *jobrunner.Service
	Distribution *distribution.Service
	Provider     *provider.Service
	Ledger       *ledger.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		jobs:        p.Jobs,
		assignments: p.Distribution,
		deposits:    p.Provider,
		ledger:      p.Ledger,
	}
}

type listResponse[T any] struct {
	Data     []T                  `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

type depositRequest struct {
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	ReferenceID string `json:"reference_id" binding:"required"`
}

func bindPage(c *gin.Context) (pagination.Pagination, error) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		return page, errutil.BadRequest("invalid pagination", err)
	}
	return page, nil
}

// EnqueueDistribution triggers an asynchronous run on behalf of the
// authenticated actor. The request body is not consulted.
func (h *Handler) EnqueueDistribution(c *gin.Context) {
	actor := middleware.GetActor(c.Request.Context())
	by := distribution.TriggeredBy{ActorID: actor.ID, ActorRole: distribution.ActorRole(actor.Role)}

	job, err := h.jobs.EnqueueDistribution(c.Request.Context(), c.Param("lead_id"), by)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "job": job})
}

func (h *Handler) GetDistributionStatus(c *gin.Context) {
	status, err := h.jobs.GetDistributionStatus(c.Request.Context(), c.Param("lead_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) ListAssignments(c *gin.Context) {
	page, err := bindPage(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	items, info, err := h.assignments.ListAssignments(c.Request.Context(), c.Param("lead_id"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listResponse[*distribution.Assignment]{Data: items, PageInfo: info})
}

func (h *Handler) RefundAssignment(c *gin.Context) {
	actor := middleware.GetActor(c.Request.Context())
	a, err := h.assignments.RefundAssignment(c.Request.Context(), c.Param("id"), actor.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Deposit is the payment webhook. A repeated reference_id answers 200 with
// the original entry instead of crediting twice.
func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("amount and reference_id are required", err))
		return
	}

	res, err := h.deposits.Deposit(c.Request.Context(), c.Param("provider_id"), req.Amount, req.ReferenceID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	code := http.StatusCreated
	if res.AlreadyApplied {
		code = http.StatusOK
	}
	c.JSON(code, gin.H{"entry": res.Entry, "balance": res.Balance, "already_applied": res.AlreadyApplied})
}

func (h *Handler) GetBalance(c *gin.Context) {
	b, err := h.ledger.GetBalance(c.Request.Context(), c.Param("provider_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) ListLedgerEntries(c *gin.Context) {
	page, err := bindPage(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	items, info, err := h.ledger.ListEntries(c.Request.Context(), c.Param("provider_id"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listResponse[*ledger.LedgerEntry]{Data: items, PageInfo: info})
}

func (h *Handler) VerifyLedger(c *gin.Context) {
	report, err := h.ledger.VerifyChain(c.Request.Context(), c.Param("provider_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	page, err := bindPage(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	items, info, err := h.jobs.ListDeadLetters(c.Request.Context(), c.Query("queue"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listResponse[*jobrunner.DeadLetter]{Data: items, PageInfo: info})
}

func (h *Handler) GetDeadLetter(c *gin.Context) {
	dl, err := h.jobs.GetDeadLetter(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dl)
}

func (h *Handler) RetryDeadLetter(c *gin.Context) {
	actor := middleware.GetActor(c.Request.Context())
	job, err := h.jobs.RetryDeadLetter(c.Request.Context(), c.Param("id"), actor.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "job": job})
}

func (h *Handler) ResolveDeadLetter(c *gin.Context) {
	actor := middleware.GetActor(c.Request.Context())
	dl, err := h.jobs.ResolveDeadLetter(c.Request.Context(), c.Param("id"), actor.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dl)
}

func (h *Handler) QueueHealth(c *gin.Context) {
	stats, err := h.jobs.QueueHealth(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}
