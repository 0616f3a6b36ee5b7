// Package metrics 提供文档问答服务的业务指标收集。
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/fincheck/internal/model"
)

// Metrics 业务指标，全部方法并发安全。
type Metrics struct {
	// 查询指标
	queriesTotal       uint64
	queriesCacheHits   uint64
	queriesCacheMisses uint64
	answered           uint64
	insufficient       uint64
	lowConfidence      uint64
	failed             uint64

	// 检索指标
	retrievalTotal  uint64
	retrievalErrors uint64

	// 生成指标
	generationTotal     uint64
	generationErrors    uint64
	tokensPrompt        uint64
	tokensCompletion    uint64

	// 熔断器指标，按 provider 区分
	breakerMu sync.Mutex
	breakers  map[string]*breakerStat

	// 摄入指标
	documentsIngested uint64
	passagesIndexed   uint64
	ingestErrors      uint64

	activeSessions int64

	durationMu         sync.Mutex
	retrievalDuration  float64
	generationDuration float64
	ingestDuration     float64
	startTime          time.Time
}

type breakerStat struct {
	state int32
	opens uint64
}

// New 创建指标实例。
func New() *Metrics {
	return &Metrics{breakers: make(map[string]*breakerStat), startTime: time.Now()}
}

// RecordAnswer 按答案状态记录一次查询。
func (m *Metrics) RecordAnswer(status model.AnswerStatus, cached bool) {
	atomic.AddUint64(&m.queriesTotal, 1)
	if cached {
		atomic.AddUint64(&m.queriesCacheHits, 1)
	} else {
		atomic.AddUint64(&m.queriesCacheMisses, 1)
	}
	switch status {
	case model.StatusAnswered:
		atomic.AddUint64(&m.answered, 1)
	case model.StatusInsufficientContext:
		atomic.AddUint64(&m.insufficient, 1)
	case model.StatusLowConfidence:
		atomic.AddUint64(&m.lowConfidence, 1)
	case model.StatusFailed:
		atomic.AddUint64(&m.failed, 1)
	}
}

// RecordRetrieval 记录检索操作。
func (m *Metrics) RecordRetrieval(duration time.Duration, err error) {
	atomic.AddUint64(&m.retrievalTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.retrievalErrors, 1)
		return
	}
	m.durationMu.Lock()
	m.retrievalDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordGeneration 记录 LLM 生成调用。
func (m *Metrics) RecordGeneration(duration time.Duration, usage *model.TokenUsage, err error) {
	atomic.AddUint64(&m.generationTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.generationErrors, 1)
		return
	}
	m.durationMu.Lock()
	m.generationDuration += duration.Seconds()
	m.durationMu.Unlock()

	if usage != nil {
		if usage.PromptTokens > 0 {
			atomic.AddUint64(&m.tokensPrompt, uint64(usage.PromptTokens))
		}
		if usage.CompletionTokens > 0 {
			atomic.AddUint64(&m.tokensCompletion, uint64(usage.CompletionTokens))
		}
	}
}

// RecordIngest 记录文档摄入。
func (m *Metrics) RecordIngest(passages int, duration time.Duration, err error) {
	if err != nil {
		atomic.AddUint64(&m.ingestErrors, 1)
		return
	}
	atomic.AddUint64(&m.documentsIngested, 1)
	atomic.AddUint64(&m.passagesIndexed, uint64(passages))
	m.durationMu.Lock()
	m.ingestDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordCircuitBreakerState 记录指定 provider 的熔断器状态 (0=closed, 1=open, 2=half-open)。
func (m *Metrics) RecordCircuitBreakerState(provider string, state int32) {
	m.breakerMu.Lock()
	defer m.breakerMu.Unlock()

	b, ok := m.breakers[provider]
	if !ok {
		b = &breakerStat{}
		m.breakers[provider] = b
	}
	if state == 1 && b.state != 1 {
		b.opens++
	}
	b.state = state
}

type breakerSnapshot struct {
	provider string
	breakerStat
}

// breakerSnapshots 按 provider 名称排序返回熔断器状态快照。
func (m *Metrics) breakerSnapshots() []breakerSnapshot {
	m.breakerMu.Lock()
	out := make([]breakerSnapshot, 0, len(m.breakers))
	for name, b := range m.breakers {
		out = append(out, breakerSnapshot{provider: name, breakerStat: *b})
	}
	m.breakerMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].provider < out[j].provider })
	return out
}

func breakerStateName(state int32) string {
	switch state {
	case 1:
		return "open"
	case 2:
		return "half-open"
	}
	return "closed"
}

// SetActiveSessions 设置当前会话数。
func (m *Metrics) SetActiveSessions(n int) {
	atomic.StoreInt64(&m.activeSessions, int64(n))
}

type sample struct {
	name  string
	help  string
	typ   string
	value string
	// series 非空时按标签逐行输出，忽略 value
	series []series
}

type series struct {
	labels string
	value  string
}

func (m *Metrics) samples() []sample {
	m.durationMu.Lock()
	retrievalDuration := m.retrievalDuration
	generationDuration := m.generationDuration
	ingestDuration := m.ingestDuration
	m.durationMu.Unlock()

	counter := func(name, help string, v *uint64) sample {
		return sample{name: name, help: help, typ: "counter", value: fmt.Sprintf("%d", atomic.LoadUint64(v))}
	}
	seconds := func(name, help string, v float64) sample {
		return sample{name: name, help: help, typ: "counter", value: fmt.Sprintf("%.6f", v)}
	}

	breakers := m.breakerSnapshots()
	opens := make([]series, len(breakers))
	states := make([]series, len(breakers))
	for n, b := range breakers {
		labels := fmt.Sprintf("provider=%q", b.provider)
		opens[n] = series{labels, fmt.Sprintf("%d", b.opens)}
		states[n] = series{labels, fmt.Sprintf("%d", b.state)}
	}

	return []sample{
		counter("queries_total", "Total number of questions asked.", &m.queriesTotal),
		counter("queries_cache_hits_total", "Number of answers served from cache.", &m.queriesCacheHits),
		counter("queries_cache_misses_total", "Number of answers not found in cache.", &m.queriesCacheMisses),
		{name: "cache_hit_rate", help: "Answer cache hit rate (0-1).", typ: "gauge", value: fmt.Sprintf("%.4f", m.cacheHitRate())},
		counter("answers_answered_total", "Answers generated from retrieved passages.", &m.answered),
		counter("answers_insufficient_context_total", "Answers with no relevant passages.", &m.insufficient),
		counter("answers_low_confidence_total", "Answers withheld below the relevance floor.", &m.lowConfidence),
		counter("answers_failed_total", "Answers that failed during retrieval or generation.", &m.failed),
		counter("retrieval_total", "Total number of retrievals.", &m.retrievalTotal),
		seconds("retrieval_duration_seconds_total", "Total retrieval duration.", retrievalDuration),
		counter("retrieval_errors_total", "Number of retrieval errors.", &m.retrievalErrors),
		counter("generation_total", "Total number of LLM generation calls.", &m.generationTotal),
		seconds("generation_duration_seconds_total", "Total LLM generation duration.", generationDuration),
		counter("generation_errors_total", "Number of LLM generation errors.", &m.generationErrors),
		counter("llm_tokens_prompt_total", "Total prompt tokens.", &m.tokensPrompt),
		counter("llm_tokens_completion_total", "Total completion tokens.", &m.tokensCompletion),
		{name: "circuit_breaker_opens_total", help: "Number of circuit breaker opens.", typ: "counter", series: opens},
		{name: "circuit_breaker_state", help: "Circuit breaker state (0=closed, 1=open, 2=half-open).", typ: "gauge", series: states},
		counter("documents_ingested_total", "Total documents ingested.", &m.documentsIngested),
		counter("passages_indexed_total", "Total passages indexed.", &m.passagesIndexed),
		seconds("ingest_duration_seconds_total", "Total ingestion duration.", ingestDuration),
		counter("ingest_errors_total", "Number of ingestion errors.", &m.ingestErrors),
		{name: "sessions_active", help: "Number of live sessions.", typ: "gauge", value: fmt.Sprintf("%d", atomic.LoadInt64(&m.activeSessions))},
		{name: "uptime_seconds", help: "Service uptime in seconds.", typ: "gauge", value: fmt.Sprintf("%.2f", time.Since(m.startTime).Seconds())},
	}
}

func (m *Metrics) cacheHitRate() float64 {
	hits := atomic.LoadUint64(&m.queriesCacheHits)
	total := hits + atomic.LoadUint64(&m.queriesCacheMisses)
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Export 导出 Prometheus 文本格式指标。
func (m *Metrics) Export(namespace, subsystem string) string {
	prefix := namespace
	if subsystem != "" {
		prefix = prefix + "_" + subsystem
	}

	var sb strings.Builder
	for _, s := range m.samples() {
		name := prefix + "_" + s.name
		fmt.Fprintf(&sb, "# HELP %s %s\n", name, s.help)
		fmt.Fprintf(&sb, "# TYPE %s %s\n", name, s.typ)
		if s.series == nil {
			fmt.Fprintf(&sb, "%s %s\n\n", name, s.value)
			continue
		}
		for _, v := range s.series {
			fmt.Fprintf(&sb, "%s{%s} %s\n", name, v.labels, v.value)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Stats 返回当前统计信息（用于 API）。
func (m *Metrics) Stats() map[string]interface{} {
	m.durationMu.Lock()
	retrievalDuration := m.retrievalDuration
	generationDuration := m.generationDuration
	m.durationMu.Unlock()

	avg := func(total float64, n uint64) float64 {
		if n == 0 {
			return 0
		}
		return total / float64(n)
	}
	retrievals := atomic.LoadUint64(&m.retrievalTotal) - atomic.LoadUint64(&m.retrievalErrors)
	generations := atomic.LoadUint64(&m.generationTotal) - atomic.LoadUint64(&m.generationErrors)

	breakers := make(map[string]interface{})
	for _, b := range m.breakerSnapshots() {
		breakers[b.provider] = map[string]interface{}{
			"state": breakerStateName(b.state),
			"opens": b.opens,
		}
	}

	return map[string]interface{}{
		"queries": map[string]interface{}{
			"total":          atomic.LoadUint64(&m.queriesTotal),
			"cache_hits":     atomic.LoadUint64(&m.queriesCacheHits),
			"cache_hit_rate": m.cacheHitRate(),
			"answered":       atomic.LoadUint64(&m.answered),
			"insufficient":   atomic.LoadUint64(&m.insufficient),
			"low_confidence": atomic.LoadUint64(&m.lowConfidence),
			"failed":         atomic.LoadUint64(&m.failed),
		},
		"retrieval": map[string]interface{}{
			"total":             atomic.LoadUint64(&m.retrievalTotal),
			"errors":            atomic.LoadUint64(&m.retrievalErrors),
			"avg_duration_secs": avg(retrievalDuration, retrievals),
		},
		"generation": map[string]interface{}{
			"total":             atomic.LoadUint64(&m.generationTotal),
			"errors":            atomic.LoadUint64(&m.generationErrors),
			"avg_duration_secs": avg(generationDuration, generations),
			"tokens_prompt":     atomic.LoadUint64(&m.tokensPrompt),
			"tokens_completion": atomic.LoadUint64(&m.tokensCompletion),
		},
		"circuit_breaker": breakers,
		"ingestion": map[string]interface{}{
			"documents": atomic.LoadUint64(&m.documentsIngested),
			"passages":  atomic.LoadUint64(&m.passagesIndexed),
			"errors":    atomic.LoadUint64(&m.ingestErrors),
		},
		"sessions_active": atomic.LoadInt64(&m.activeSessions),
		"uptime_seconds":  time.Since(m.startTime).Seconds(),
	}
}
