// Package biz 实现财务报告问答的业务流程：
// 切分（Chunker）→ 建索引（Indexer）→ 检索（Retriever）→ 答案合成（Synthesizer），
// 并由 Session 管理单个文档的生命周期。
package biz
