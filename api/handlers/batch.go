package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/report"
	"github.com/feichai0017/document-reconciler/internal/service/reconcile"
	"github.com/feichai0017/document-reconciler/internal/taskstore"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

type BatchHandler struct {
	service     reconcile.Service
	maxFileSize int64
	logger      logger.Logger
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RegistryRequest 加载客户库
type RegistryRequest struct {
	OrgID string `json:"orgId" binding:"required"`
}

// MatchRequest 人工录入证件号
type MatchRequest struct {
	Identifier string `json:"identifier" binding:"required"`
}

func NewBatchHandler(service reconcile.Service, maxFileSize int64, log logger.Logger) *BatchHandler {
	return &BatchHandler{
		service:     service,
		maxFileSize: maxFileSize,
		logger:      log.Named("api"),
	}
}

// UploadFiles 上传证件图片
func (h *BatchHandler) UploadFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		h.handleError(c, http.StatusBadRequest, "No files provided", nil)
		return
	}

	files := make([]reconcile.File, 0, len(headers))
	for _, header := range headers {
		data, err := h.readFile(header)
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Failed to read "+header.Filename, err)
			return
		}
		files = append(files, reconcile.File{Name: header.Filename, Data: data})
	}

	result, err := h.service.Intake(c.Request.Context(), files)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to intake files", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// readFile reads at most maxFileSize+1 bytes so oversized uploads are
// rejected by validation without being buffered whole.
func (h *BatchHandler) readFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if h.maxFileSize > 0 {
		r = io.LimitReader(f, h.maxFileSize+1)
	}
	return io.ReadAll(r)
}

// LoadRegistry 加载机构的客户库
func (h *BatchHandler) LoadRegistry(c *gin.Context) {
	var req RegistryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid request", err)
		return
	}
	n, err := h.service.LoadRegistry(c.Request.Context(), req.OrgID)
	if err != nil {
		h.fail(c, "Failed to load registry", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orgId": req.OrgID, "customers": n})
}

// Start 后台开始处理
func (h *BatchHandler) Start(c *gin.Context) {
	if err := h.service.Start(c.Request.Context()); err != nil {
		h.fail(c, "Failed to start run", err)
		return
	}
	c.JSON(http.StatusAccepted, h.service.Status())
}

func (h *BatchHandler) Pause(c *gin.Context) {
	h.service.Pause()
	c.JSON(http.StatusOK, h.service.Status())
}

func (h *BatchHandler) Resume(c *gin.Context) {
	h.service.Resume()
	c.JSON(http.StatusOK, h.service.Status())
}

func (h *BatchHandler) Stop(c *gin.Context) {
	h.service.Stop()
	c.JSON(http.StatusOK, h.service.Status())
}

// GetStatus 获取批次进度
func (h *BatchHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status())
}

// ListTasks 列出任务, 可用 status 参数过滤, 多个值用逗号分隔
func (h *BatchHandler) ListTasks(c *gin.Context) {
	var statuses []models.Status
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, models.Status(strings.TrimSpace(s)))
		}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": h.service.Tasks(statuses...)})
}

func (h *BatchHandler) GetTask(c *gin.Context) {
	task, err := h.service.Task(c.Param("taskId"))
	if err != nil {
		h.fail(c, "Failed to get task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// RetryFailed 重试失败任务, 请求断开不会中断处理
func (h *BatchHandler) RetryFailed(c *gin.Context) {
	n, progress, err := h.service.RetryFailed(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		h.fail(c, "Failed to retry tasks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": n, "progress": progress})
}

func (h *BatchHandler) RetryTask(c *gin.Context) {
	task, err := h.service.RetryTask(context.WithoutCancel(c.Request.Context()), c.Param("taskId"))
	if err != nil {
		h.fail(c, "Failed to retry task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *BatchHandler) ResetTask(c *gin.Context) {
	task, err := h.service.ResetTask(c.Param("taskId"))
	if err != nil {
		h.fail(c, "Failed to reset task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *BatchHandler) MatchTask(c *gin.Context) {
	var req MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid request", err)
		return
	}
	task, err := h.service.ManualMatch(c.Param("taskId"), req.Identifier)
	if err != nil {
		h.fail(c, "Failed to match task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *BatchHandler) CommitTask(c *gin.Context) {
	task, err := h.service.CommitTask(context.WithoutCancel(c.Request.Context()), c.Param("taskId"))
	if err != nil {
		h.fail(c, "Failed to commit task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *BatchHandler) DeleteTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.service.DeleteTask(c.Request.Context(), taskID); err != nil {
		h.fail(c, "Failed to delete task", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task deleted", "taskId": taskID})
}

// Commit 上传所有已匹配的证件
func (h *BatchHandler) Commit(c *gin.Context) {
	summary, err := h.service.Commit(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		h.fail(c, "Failed to commit batch", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// DownloadReport 下载失败报告
func (h *BatchHandler) DownloadReport(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", reconcile.FormatCSV))
	contentType := "text/csv; charset=utf-8"
	switch format {
	case reconcile.FormatCSV:
	case reconcile.FormatXLSX:
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		h.fail(c, "Unsupported report format", fmt.Errorf("%w: %s", reconcile.ErrUnsupportedFormat, format))
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", report.FileName(time.Now(), format)))
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if err := h.service.WriteReport(c.Writer, format); err != nil {
		h.logger.Error("Failed to write report", logger.Error(err))
	}
}

// GetCheckpoint 查询可恢复的进度
func (h *BatchHandler) GetCheckpoint(c *gin.Context) {
	offer := h.service.ResumeOffer(c.Request.Context())
	if offer == nil {
		h.fail(c, "No checkpoint", reconcile.ErrNoCheckpoint)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *BatchHandler) RestoreCheckpoint(c *gin.Context) {
	offer, err := h.service.Restore(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to restore checkpoint", err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *BatchHandler) DiscardCheckpoint(c *gin.Context) {
	h.service.DiscardCheckpoint(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"message": "Checkpoint discarded"})
}

// ClearBatch 清空批次
func (h *BatchHandler) ClearBatch(c *gin.Context) {
	jobs, err := h.service.ClearBatch(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to clear batch", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Batch cleared", "cleanupJobs": jobs})
}

// fail maps service errors onto HTTP statuses.
func (h *BatchHandler) fail(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, taskstore.ErrTaskNotFound), errors.Is(err, reconcile.ErrNoCheckpoint):
		status = http.StatusNotFound
	case errors.Is(err, reconcile.ErrRunInProgress),
		errors.Is(err, reconcile.ErrTaskBusy),
		errors.Is(err, reconcile.ErrRetriesExhausted),
		errors.Is(err, taskstore.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, reconcile.ErrNoRegistry):
		status = http.StatusPreconditionFailed
	case errors.Is(err, reconcile.ErrUnknownIdentifier):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, reconcile.ErrUnsupportedFormat), errors.Is(err, reconcile.ErrEmptyOrganization):
		status = http.StatusBadRequest
	}
	h.handleError(c, status, message, err)
}

// handleError 统一错误处理
func (h *BatchHandler) handleError(c *gin.Context, status int, message string, err error) {
	fields := []logger.Field{logger.String("path", c.Request.URL.Path), logger.Int("status", status)}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, fields...)
	} else {
		h.logger.Warn(message, fields...)
	}

	response := ErrorResponse{
		Message: message,
	}
	if err != nil {
		response.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, response)
}
