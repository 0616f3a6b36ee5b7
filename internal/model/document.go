// Package model 定义文档问答服务的数据模型。
package model

import (
	"time"
)

// Document 一次上传的文档。摄入后不可变，随会话结束而丢弃。
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	Pages     []Page    `json:"-"`
	PageCount int       `json:"page_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Page 提取出的单页文本，页码从 1 开始。
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Passage 文档提取文本中的一段连续区间 [Start, End)，以字符计。
type Passage struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Page       int    `json:"page"`
	Content    string `json:"content"`
}

// Len 返回段落字符数。
func (p Passage) Len() int {
	return p.End - p.Start
}

// ScoredPassage 带相关度分数的段落，分数为 [-1, 1] 的余弦相似度。
type ScoredPassage struct {
	Passage
	Score float64 `json:"score"`
}

// RetrievalResult 一次检索的结果，按分数降序，同分按 Ordinal 升序。
type RetrievalResult struct {
	Query    string          `json:"query"`
	IndexID  string          `json:"index_id,omitempty"`
	Hits     []ScoredPassage `json:"hits"`
	TopScore float64         `json:"top_score"`
}

// Empty 判断是否没有命中。
func (r *RetrievalResult) Empty() bool {
	return r == nil || len(r.Hits) == 0
}

// IngestResult 文档摄入结果。
type IngestResult struct {
	Document     *Document     `json:"document"`
	Passages     int           `json:"passages"`
	IndexID      string        `json:"index_id"`
	IndexVersion uint64        `json:"index_version"`
	Duration     time.Duration `json:"duration_ns"`
}
