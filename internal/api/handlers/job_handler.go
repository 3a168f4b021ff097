package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/service"
	"github.com/jar-obfuscator/jobf-go/internal/storage"
)

// JobHandler 任务处理器
type JobHandler struct {
	jobService  service.JobService
	logger      *logrus.Logger
	maxUploadMB int64
}

// NewJobHandler 创建任务处理器实例
func NewJobHandler(jobService service.JobService, maxUploadMB int64, logger *logrus.Logger) *JobHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 512
	}
	return &JobHandler{
		jobService:  jobService,
		logger:      logger,
		maxUploadMB: maxUploadMB,
	}
}

// respondError 按错误类型映射状态码
func (h *JobHandler) respondError(c *gin.Context, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error(message)
	}
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

func pagination(c *gin.Context) (page, pageSize int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	// 限制最大每页数量，防止过大的查询
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

// UploadJar 上传归档并创建任务
// POST /api/jobs (multipart, field "file")
func (h *JobHandler) UploadJar(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadMB<<20)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少上传文件"})
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法读取上传文件"})
		return
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法读取上传文件"})
		return
	}

	job, err := h.jobService.CreateJob(c.Request.Context(), fileHeader.Filename, content)
	if err != nil {
		if job != nil {
			// 已创建但投递失败，稍后由重新投递处理
			c.JSON(http.StatusAccepted, gin.H{"job": job, "warning": err.Error()})
			return
		}
		h.respondError(c, err, "创建任务失败")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// ListJobs 获取任务列表
// GET /api/jobs?page=1&page_size=20&status=completed
func (h *JobHandler) ListJobs(c *gin.Context) {
	page, pageSize := pagination(c)
	jobs, total, err := h.jobService.ListJobs(c.Request.Context(), page, pageSize, c.Query("status"))
	if err != nil {
		h.respondError(c, err, "获取任务列表失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":      jobs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetJob 获取任务详情
// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobService.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "获取任务失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job":          job,
		"failure_name": job.FailureType.GetDisplayName(),
	})
}

// CancelJob 取消任务
// POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	if err := h.jobService.CancelJob(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "取消任务失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "任务已取消"})
}

// RetryJob 重新执行失败的任务
// POST /api/jobs/:id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	job, err := h.jobService.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "重试任务失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// DeleteJob 删除任务及其产物
// DELETE /api/jobs/:id
func (h *JobHandler) DeleteJob(c *gin.Context) {
	if err := h.jobService.DeleteJob(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "删除任务失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "任务已删除"})
}

// DownloadOutput 下载混淆后的归档
// GET /api/jobs/:id/output
func (h *JobHandler) DownloadOutput(c *gin.Context) {
	h.download(c, storage.OutputObject, "application/java-archive", "obfuscated.jar")
}

// DownloadMapping 下载文本格式的映射
// GET /api/jobs/:id/mapping.txt
func (h *JobHandler) DownloadMapping(c *gin.Context) {
	h.download(c, storage.MappingObject, "text/plain; charset=utf-8", "mapping.txt")
}

func (h *JobHandler) download(c *gin.Context, name, contentType, filename string) {
	data, err := h.jobService.GetArtifact(c.Request.Context(), c.Param("id"), name)
	if err != nil {
		h.respondError(c, err, "获取产物失败")
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+c.Param("id")+"-"+filename+`"`)
	c.Data(http.StatusOK, contentType, data)
}

// ListMappings 分页查询映射
// GET /api/jobs/:id/mappings?kind=method&page=1&page_size=50
func (h *JobHandler) ListMappings(c *gin.Context) {
	kind := domain.MappingKind(c.Query("kind"))
	switch kind {
	case "", domain.MappingKindClass, domain.MappingKindMethod, domain.MappingKindField:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind 只能是 class、method 或 field"})
		return
	}

	page, pageSize := pagination(c)
	entries, total, err := h.jobService.ListMappings(c.Request.Context(), c.Param("id"), kind, page, pageSize)
	if err != nil {
		h.respondError(c, err, "获取映射失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mappings":  entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetSystemStats 任务状态统计
// GET /api/stats
func (h *JobHandler) GetSystemStats(c *gin.Context) {
	counts, total, err := h.jobService.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "获取统计失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"status": counts,
	})
}
