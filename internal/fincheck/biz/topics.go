package biz

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/pkg/utils/errors"
)

// DefaultTopics 预置的分析主题。
func DefaultTopics() []model.Topic {
	return []model.Topic{
		{
			ID:          "financial-metrics",
			Title:       "Financial metrics",
			Description: "Key figures such as revenue, net income, margins, cash flow and leverage.",
			Prompt:      "Focus on quantitative financial metrics. Quote exact figures with their units and reporting periods, and compare periods where the document allows it.",
		},
		{
			ID:          "compliance-report",
			Title:       "Compliance report",
			Description: "Disclosures, audit opinions, internal controls and regulatory compliance statements.",
			Prompt:      "Act as a compliance reviewer. Identify disclosures, audit findings, control weaknesses and any statements about regulatory compliance or non-compliance.",
		},
		{
			ID:          "summary",
			Title:       "Summary",
			Description: "A concise overview of the document's main points.",
			Prompt:      "Summarize the relevant passages concisely for an executive reader. Prefer short paragraphs and keep every claim traceable to a cited passage.",
		},
		{
			ID:          "regulations",
			Title:       "Regulations",
			Description: "Accounting standards and regulations referenced by the document.",
			Prompt:      "Identify the accounting standards, laws and regulations the document references, and explain how the document says it applies them.",
		},
	}
}

// TopicSet 分析主题集合。
type TopicSet struct {
	byID  map[string]model.Topic
	order []string
}

type topicsFile struct {
	Topics []model.Topic `yaml:"topics"`
}

// NewTopicSet 从主题列表创建集合，ID 不能为空或重复。
func NewTopicSet(topics []model.Topic) (*TopicSet, error) {
	ts := &TopicSet{byID: make(map[string]model.Topic, len(topics))}
	for _, t := range topics {
		if t.ID == "" {
			return nil, errors.ErrInvalidConfiguration.WithMessage("topic id must not be empty")
		}
		if _, dup := ts.byID[t.ID]; dup {
			return nil, errors.ErrInvalidConfiguration.WithMessagef("duplicate topic id %q", t.ID)
		}
		ts.byID[t.ID] = t
		ts.order = append(ts.order, t.ID)
	}
	return ts, nil
}

// LoadTopics 加载主题，path 为空时使用预置主题。
// 文件格式为 YAML，顶层键 topics。
func LoadTopics(path string) (*TopicSet, error) {
	if path == "" {
		return NewTopicSet(DefaultTopics())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ErrInvalidConfiguration.WithCause(fmt.Errorf("read topics file: %w", err))
	}
	var f topicsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.ErrInvalidConfiguration.WithCause(fmt.Errorf("parse topics file %s: %w", path, err))
	}
	if len(f.Topics) == 0 {
		return nil, errors.ErrInvalidConfiguration.WithMessagef("topics file %s defines no topics", path)
	}
	return NewTopicSet(f.Topics)
}

// Lookup 按 ID 查找主题，空 ID 返回 nil。
func (ts *TopicSet) Lookup(id string) (*model.Topic, error) {
	if id == "" {
		return nil, nil
	}
	t, ok := ts.byID[id]
	if !ok {
		return nil, errors.ErrUnknownTopic.WithMessagef("unknown topic %q, available: %v", id, ts.IDs())
	}
	return &t, nil
}

// List 按定义顺序返回全部主题。
func (ts *TopicSet) List() []model.Topic {
	out := make([]model.Topic, 0, len(ts.order))
	for _, id := range ts.order {
		out = append(out, ts.byID[id])
	}
	return out
}

// IDs 返回排序后的主题 ID。
func (ts *TopicSet) IDs() []string {
	ids := append([]string(nil), ts.order...)
	sort.Strings(ids)
	return ids
}
