package biz

import (
	"sync"
	"time"

	"github.com/kart-io/fincheck/internal/model"
)

// Index 一个文档的检索索引句柄，构建后不可变。
type Index struct {
	// ID 索引 ID（ULID）。
	ID string
	// Version 在所属会话内单调递增的版本号。
	Version uint64
	// DocumentID 文档 ID。
	DocumentID string
	// Collection 后端集合名称。
	Collection string
	// Dimension 向量维度。
	Dimension int
	// CreatedAt 创建时间。
	CreatedAt time.Time

	passages []model.Passage
	byID     map[string]int
	inflight sync.WaitGroup
}

func newIndex(id, documentID, collection string, dimension int, passages []model.Passage) *Index {
	ix := &Index{
		ID:         id,
		DocumentID: documentID,
		Collection: collection,
		Dimension:  dimension,
		CreatedAt:  time.Now(),
		passages:   append([]model.Passage(nil), passages...),
		byID:       make(map[string]int, len(passages)),
	}
	for i, p := range ix.passages {
		ix.byID[p.ID] = i
	}
	return ix
}

// Size 返回索引中的段落数，nil 索引返回 0。
func (ix *Index) Size() int {
	if ix == nil {
		return 0
	}
	return len(ix.passages)
}

// Passages 返回段落副本，按文档顺序排列。
func (ix *Index) Passages() []model.Passage {
	if ix == nil {
		return nil
	}
	return append([]model.Passage(nil), ix.passages...)
}

// passage 按 ID 查找段落。
func (ix *Index) passage(id string) (model.Passage, bool) {
	i, ok := ix.byID[id]
	if !ok {
		return model.Passage{}, false
	}
	return ix.passages[i], true
}
