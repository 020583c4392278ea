// Package http 记账核心的 HTTP 入口
package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/ledgerr/internal/ledger/application"
	"github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/pkg/logger"
)

// LedgerHandler HTTP 处理器
type LedgerHandler struct {
	accounts *application.AccountService
	posting  *application.PostingService
	holds    *application.HoldService
	query    *application.QueryService
}

// NewLedgerHandler 创建 HTTP 处理器
func NewLedgerHandler(
	accounts *application.AccountService,
	posting *application.PostingService,
	holds *application.HoldService,
	query *application.QueryService,
) *LedgerHandler {
	return &LedgerHandler{
		accounts: accounts,
		posting:  posting,
		holds:    holds,
		query:    query,
	}
}

// RegisterRoutes 注册路由
func (h *LedgerHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/accounts", h.CreateAccount)
		api.GET("/accounts", h.ListAccounts)
		api.GET("/accounts/:id", h.GetAccount)
		api.POST("/accounts/:id/archive", h.ArchiveAccount)
		api.GET("/accounts/:id/balance", h.GetBalance)
		api.GET("/accounts/:id/statement", h.GetStatement)

		api.POST("/transactions", h.PostTransaction)
		api.GET("/transactions/:id", h.GetTransaction)
		api.POST("/transactions/:id/settle", h.SettleTransaction)
		api.POST("/transactions/:id/reverse", h.ReverseTransaction)

		api.POST("/holds", h.CreateHold)
		api.GET("/holds/:id", h.GetHold)
		api.POST("/holds/:id/capture", h.CaptureHold)
		api.POST("/holds/:id/release", h.ReleaseHold)
	}
}

// StatusFor 将领域错误映射为 HTTP 状态码。
// 503 只用于"无部分影响、传输层可安全重试"的重试耗尽。
func StatusFor(err error) int {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrHoldNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIdempotencyConflict),
		errors.Is(err, domain.ErrHoldState),
		errors.Is(err, domain.ErrTransactionState),
		errors.Is(err, domain.ErrAccountArchived),
		errors.Is(err, domain.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConflictExhausted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// CreateAccount 创建账户
func (h *LedgerHandler) CreateAccount(c *gin.Context) {
	var req application.CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := h.accounts.Create(c.Request.Context(), &req)
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, account)
}

// ListAccounts 分页列出账户
func (h *LedgerHandler) ListAccounts(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	accounts, err := h.accounts.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// GetAccount 获取账户
func (h *LedgerHandler) GetAccount(c *gin.Context) {
	account, err := h.accounts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, account)
}

// ArchiveAccount 归档账户
func (h *LedgerHandler) ArchiveAccount(c *gin.Context) {
	if err := h.accounts.Archive(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": true})
}

// GetBalance 查询余额快照
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	snapshot, err := h.query.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetStatement 查询区间对账单，from/to 为 RFC3339 时间
func (h *LedgerHandler) GetStatement(c *gin.Context) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from: " + err.Error()})
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to: " + err.Error()})
		return
	}

	statement, err := h.query.StatementFor(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, statement)
}

// PostTransaction 过账
func (h *LedgerHandler) PostTransaction(c *gin.Context) {
	var req application.PostTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	txn, err := h.posting.Post(c.Request.Context(), &req)
	if err != nil {
		logger.Warn(c.Request.Context(), "posting failed", "reference", req.Reference, "error", err)
		body := gin.H{"error": err.Error()}
		// REJECTED 交易已留档，连同错误一并返回
		if txn != nil {
			body["transaction"] = txn
		}
		c.JSON(StatusFor(err), body)
		return
	}
	if txn.Status == domain.StatusRejected {
		// 幂等回放一笔历史上被拒绝的请求
		c.JSON(http.StatusUnprocessableEntity, gin.H{"transaction": txn, "error": "transaction rejected"})
		return
	}
	c.JSON(http.StatusCreated, txn)
}

// GetTransaction 查询交易
func (h *LedgerHandler) GetTransaction(c *gin.Context) {
	txn, err := h.posting.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, txn)
}

// SettleTransaction 将 PENDING 交易落定为 POSTED
func (h *LedgerHandler) SettleTransaction(c *gin.Context) {
	txn, err := h.posting.Settle(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, txn)
}

// ReverseRequest 冲正请求
type ReverseRequest struct {
	Reference   string `json:"reference" binding:"required"`
	Description string `json:"description"`
}

// ReverseTransaction 冲正 POSTED 交易
func (h *LedgerHandler) ReverseTransaction(c *gin.Context) {
	var req ReverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	txn, err := h.posting.Reverse(c.Request.Context(), c.Param("id"), req.Reference, req.Description)
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, txn)
}

// CreateHold 创建持有
func (h *LedgerHandler) CreateHold(c *gin.Context) {
	var req application.CreateHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hold, err := h.holds.Create(c.Request.Context(), &req)
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, hold)
}

// GetHold 查询持有
func (h *LedgerHandler) GetHold(c *gin.Context) {
	hold, err := h.holds.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, hold)
}

// CaptureHold 落账持有
func (h *LedgerHandler) CaptureHold(c *gin.Context) {
	txn, err := h.holds.Capture(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, txn)
}

// ReleaseHold 释放持有
func (h *LedgerHandler) ReleaseHold(c *gin.Context) {
	if err := h.holds.Release(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	value := c.Query(name)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
