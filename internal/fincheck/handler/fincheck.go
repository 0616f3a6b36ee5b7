// Package handler provides HTTP handlers for the fincheck service.
package handler

import (
	stderrors "errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/fincheck/internal/fincheck/biz"
	"github.com/kart-io/fincheck/pkg/infra/app"
	"github.com/kart-io/fincheck/pkg/utils/errors"
	"github.com/kart-io/fincheck/pkg/utils/response"
	"github.com/kart-io/fincheck/pkg/utils/validator"
)

// MetricsNamespace 指标导出的命名空间。
const MetricsNamespace = "fincheck"

// Handler 处理 fincheck HTTP 请求。
type Handler struct {
	service *biz.Service
}

// NewHandler 创建 Handler。
func NewHandler(service *biz.Service) *Handler {
	return &Handler{service: service}
}

// TextRequest 纯文本摄入请求。
type TextRequest struct {
	Name string `json:"name" binding:"max=256"`
	Text string `json:"text" binding:"required,notblank"`
}

// AskRequest 提问请求。
type AskRequest struct {
	Question string `json:"question" binding:"required,notblank,max=4000"`
	Topic    string `json:"topic" binding:"topicid"`
	TopK     int    `json:"top_k" binding:"gte=0"`
}

// CreateSession 创建会话。
func (h *Handler) CreateSession(c *gin.Context) {
	info, err := h.service.CreateSession()
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, info)
}

// GetSession 查询会话信息。
func (h *Handler) GetSession(c *gin.Context) {
	info, err := h.service.GetSession(c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, info)
}

// DeleteSession 删除会话并释放索引。
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.service.DeleteSession(c.Param("id")); err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, nil)
}

// UploadDocument 上传 PDF 并加载到会话，表单字段为 file。
func (h *Handler) UploadDocument(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			response.Fail(c, errors.ErrRequestTooLarge.WithMessagef("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		response.Fail(c, errors.ErrInvalidRequest.WithMessage("multipart field \"file\" is required"))
		return
	}
	if !strings.EqualFold(filepath.Ext(fh.Filename), ".pdf") {
		response.Fail(c, errors.ErrNotPDF.WithMessagef("%q is not a .pdf file", fh.Filename))
		return
	}

	f, err := fh.Open()
	if err != nil {
		response.Fail(c, errors.ErrInvalidRequest.WithCause(err))
		return
	}
	defer f.Close()

	result, err := h.service.IngestPDF(c.Request.Context(), c.Param("id"), filepath.Base(fh.Filename), f)
	if err != nil {
		logger.Warnw("document ingest failed", "session_id", c.Param("id"), "file", fh.Filename, "error", err.Error())
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}

// IngestText 以纯文本加载文档。
func (h *Handler) IngestText(c *gin.Context) {
	var req TextRequest
	if !bind(c, &req) {
		return
	}
	name := req.Name
	if name == "" {
		name = "text"
	}

	result, err := h.service.IngestText(c.Request.Context(), c.Param("id"), name, req.Text)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}

// Ask 在会话文档上提问。会话就绪后查询失败以内联状态返回。
func (h *Handler) Ask(c *gin.Context) {
	var req AskRequest
	if !bind(c, &req) {
		return
	}

	answer, err := h.service.Ask(c.Request.Context(), c.Param("id"), biz.AskRequest{
		Question: req.Question,
		Topic:    req.Topic,
		TopK:     req.TopK,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, answer)
}

// Topics 返回预置的分析主题。
func (h *Handler) Topics(c *gin.Context) {
	response.OK(c, h.service.Topics())
}

// Stats 返回服务统计信息。
func (h *Handler) Stats(c *gin.Context) {
	response.OK(c, h.service.Stats())
}

// Metrics 以 Prometheus 文本格式导出业务指标。
func (h *Handler) Metrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8",
		[]byte(h.service.ExportMetrics(MetricsNamespace)))
}

// Healthz 健康检查。
func (h *Handler) Healthz(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok"})
}

// Version 返回构建版本。
func (h *Handler) Version(c *gin.Context) {
	response.OK(c, app.GetVersionInfo())
}

func bind(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		verrs := validator.Global().Translate(err, c.GetHeader("Accept-Language"))
		response.Send(c, response.Err(errors.ErrInvalidRequest.WithMessage(verrs.Error())).WithData(verrs))
		return false
	}
	return true
}
