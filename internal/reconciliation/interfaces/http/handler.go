// Package http 对账引擎的 HTTP 入口
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	ledgerhttp "github.com/wyfcoding/ledgerr/internal/ledger/interfaces/http"
	"github.com/wyfcoding/ledgerr/internal/reconciliation/application"
	"github.com/wyfcoding/ledgerr/internal/reconciliation/domain"
)

// ReconciliationHandler HTTP 处理器
type ReconciliationHandler struct {
	service *application.Service
}

// NewReconciliationHandler 创建 HTTP 处理器
func NewReconciliationHandler(service *application.Service) *ReconciliationHandler {
	return &ReconciliationHandler{service: service}
}

// RegisterRoutes 注册路由
func (h *ReconciliationHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/reconciliations")
	{
		api.POST("/import", h.ImportExternal)
		api.POST("/match", h.RunMatch)
		api.GET("", h.List)
		api.GET("/:id", h.Get)
		api.POST("/:id/resolve", h.Resolve)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrReconciliationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyResolved):
		return http.StatusConflict
	}
	// 解决路径的错误多数来自过账，沿用记账核心的映射
	return ledgerhttp.StatusFor(err)
}

// ImportRequest 批量导入请求
type ImportRequest struct {
	Records []application.ExternalRecord `json:"records" binding:"required"`
}

// ImportExternal 导入外部流水，重复记录静默跳过
func (h *ReconciliationHandler) ImportExternal(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	imported, err := h.service.ImportExternal(c.Request.Context(), req.Records)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "imported": imported})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": len(req.Records), "imported": imported})
}

// RunMatch 按需触发一轮匹配
func (h *ReconciliationHandler) RunMatch(c *gin.Context) {
	stats, err := h.service.Match(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// List 按分类分页列出对账记录
func (h *ReconciliationHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := domain.ReconciliationStatus(c.Query("status"))

	recons, err := h.service.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliations": recons})
}

// Get 查询对账记录
func (h *ReconciliationHandler) Get(c *gin.Context) {
	recon, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, recon)
}

// Resolve 以一笔补偿交易解决差异
func (h *ReconciliationHandler) Resolve(c *gin.Context) {
	var plan application.ResolutionPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	txn, err := h.service.Resolve(c.Request.Context(), c.Param("id"), &plan)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, txn)
}
