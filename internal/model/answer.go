package model

// AnswerStatus 答案状态。
type AnswerStatus string

const (
	// StatusAnswered 模型基于检索内容给出了回答。
	StatusAnswered AnswerStatus = "answered"
	// StatusInsufficientContext 没有可用的检索内容。
	StatusInsufficientContext AnswerStatus = "insufficient_context"
	// StatusLowConfidence 最高相关度低于阈值，未调用模型。
	StatusLowConfidence AnswerStatus = "low_confidence"
	// StatusFailed 检索或生成失败。
	StatusFailed AnswerStatus = "failed"
)

// Citation 答案引用的检索段落，Ref 为提示词中的编号（从 1 开始）。
type Citation struct {
	Ref       int     `json:"ref"`
	PassageID string  `json:"passage_id"`
	Ordinal   int     `json:"ordinal"`
	Page      int     `json:"page"`
	Excerpt   string  `json:"excerpt"`
	Score     float64 `json:"score"`
}

// AnswerError 内联在答案中的查询错误。
type AnswerError struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TokenUsage 生成调用的 token 用量。
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Answer 一次提问的结果。
type Answer struct {
	Question     string           `json:"question"`
	Topic        string           `json:"topic,omitempty"`
	Text         string           `json:"text"`
	Status       AnswerStatus     `json:"status"`
	Confidence   float64          `json:"confidence"`
	Citations    []Citation       `json:"citations"`
	Sources      *RetrievalResult `json:"sources,omitempty"`
	TokenUsage   *TokenUsage      `json:"token_usage,omitempty"`
	Error        *AnswerError     `json:"error,omitempty"`
	IndexVersion uint64           `json:"index_version"`
	Cached       bool             `json:"cached"`
}

// Topic 预置分析主题，Prompt 作为提问的前置说明。
type Topic struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Prompt      string `json:"prompt" yaml:"prompt"`
}
