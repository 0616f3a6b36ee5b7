package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// fincheck 服务代码: 21
// 错误码格式: AABBCCC
// - AA: 21 (fincheck 服务)
// - BB: 类别代码
// - CCC: 序号

var (
	// 请求参数错误 (类别 01)
	ErrInvalidRequest = Register(New(MakeCode(ServiceFincheck, CategoryRequest, 1), http.StatusBadRequest, codes.InvalidArgument, "Invalid request parameters", "请求参数无效"))
	ErrUnknownTopic   = Register(New(MakeCode(ServiceFincheck, CategoryRequest, 2), http.StatusBadRequest, codes.InvalidArgument, "Unknown analysis topic", "未知的分析主题"))
	ErrNotPDF         = Register(New(MakeCode(ServiceFincheck, CategoryRequest, 3), http.StatusBadRequest, codes.InvalidArgument, "Uploaded file is not a PDF", "上传文件不是 PDF"))

	// 资源错误 (类别 04)
	ErrSessionNotFound = Register(New(MakeCode(ServiceFincheck, CategoryResource, 1), http.StatusNotFound, codes.NotFound, "Session not found", "会话不存在"))

	// 状态冲突 (类别 05)
	ErrNoDocument = Register(New(MakeCode(ServiceFincheck, CategoryConflict, 1), http.StatusConflict, codes.FailedPrecondition, "No document loaded", "尚未加载文档"))

	// 索引与抽取错误 (类别 07)
	ErrIndexEmptyInput    = Register(New(MakeCode(ServiceFincheck, CategoryInternal, 1), http.StatusUnprocessableEntity, codes.InvalidArgument, "Index build failed: no passages to index", "索引构建失败: 没有可索引的段落"))
	ErrDocumentExtraction = Register(New(MakeCode(ServiceFincheck, CategoryInternal, 2), http.StatusUnprocessableEntity, codes.InvalidArgument, "Document text extraction failed", "文档文本抽取失败"))

	// 后端依赖错误 (类别 10)
	ErrIndexBackendUnavailable = Register(New(MakeCode(ServiceFincheck, CategoryNetwork, 1), http.StatusServiceUnavailable, codes.Unavailable, "Index build failed: backend unavailable", "索引构建失败: 后端不可用"))
	ErrRetrievalFailure        = Register(New(MakeCode(ServiceFincheck, CategoryNetwork, 2), http.StatusBadGateway, codes.Unavailable, "Retrieval failed", "检索失败"))
	ErrGenerationFailure       = Register(New(MakeCode(ServiceFincheck, CategoryNetwork, 3), http.StatusBadGateway, codes.Unavailable, "Answer generation failed", "答案生成失败"))

	// 配置错误 (类别 12)
	ErrInvalidConfiguration = Register(New(MakeCode(ServiceFincheck, CategoryConfig, 1), http.StatusInternalServerError, codes.InvalidArgument, "Invalid configuration", "配置无效"))
)

// 错误分类名称，用于在答案中内联报告失败原因。
const (
	KindInvalidConfiguration = "InvalidConfiguration"
	KindIndexBuildFailure    = "IndexBuildFailure"
	KindRetrievalFailure     = "RetrievalFailure"
	KindGenerationFailure    = "GenerationFailure"
	KindInternal             = "Internal"
)

// IsIndexBuildFailure 判断错误是否属于索引构建失败（空输入或后端不可用）。
func IsIndexBuildFailure(err error) bool {
	return IsCode(err, ErrIndexEmptyInput.Code) || IsCode(err, ErrIndexBackendUnavailable.Code)
}

// Kind 返回错误所属的分类名称。
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsIndexBuildFailure(err):
		return KindIndexBuildFailure
	case IsCode(err, ErrRetrievalFailure.Code):
		return KindRetrievalFailure
	case IsCode(err, ErrGenerationFailure.Code):
		return KindGenerationFailure
	case IsCode(err, ErrInvalidConfiguration.Code):
		return KindInvalidConfiguration
	default:
		return KindInternal
	}
}
