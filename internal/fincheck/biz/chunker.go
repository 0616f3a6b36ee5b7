package biz

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/pkg/utils/errors"
)

// Chunk 将文本按字符（rune）切分为重叠的定长段落。
// 每个段落起点比上一个段落晚 size-overlap 个字符，最后一个段落可能不足 size。
// 要求 0 < overlap < size，空文本返回零个段落。
func Chunk(text string, size, overlap int) ([]model.Passage, error) {
	if size <= 0 || overlap <= 0 || overlap >= size {
		return nil, errors.ErrInvalidConfiguration.WithMessagef(
			"chunk overlap must satisfy 0 < overlap < size, got size=%d overlap=%d", size, overlap)
	}

	runes := []rune(text)
	total := len(runes)
	if total == 0 {
		return []model.Passage{}, nil
	}

	step := size - overlap
	passages := make([]model.Passage, 0, (total+step-1)/step)
	for start := 0; ; start += step {
		end := start + size
		if end > total {
			end = total
		}
		passages = append(passages, model.Passage{
			Ordinal: len(passages),
			Start:   start,
			End:     end,
			Content: string(runes[start:end]),
		})
		if end == total {
			break
		}
	}
	return passages, nil
}

// ChunkPages 以换行连接各页文本后切分，并为每个段落标注其起始页码。
func ChunkPages(pages []model.Page, size, overlap int) ([]model.Passage, error) {
	var (
		b      strings.Builder
		starts = make([]int, 0, len(pages))
		offset int
	)
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n")
			offset++
		}
		starts = append(starts, offset)
		b.WriteString(p.Text)
		offset += len([]rune(p.Text))
	}

	passages, err := Chunk(b.String(), size, overlap)
	if err != nil {
		return nil, err
	}

	for i := range passages {
		// 起点所在页：最后一个 start <= passage.Start 的页
		idx := sort.SearchInts(starts, passages[i].Start+1) - 1
		if idx < 0 {
			idx = 0
		}
		passages[i].Page = pages[idx].Number
	}
	return passages, nil
}

// ChunkDocument 切分文档并填充段落 ID 与文档 ID。
func ChunkDocument(doc *model.Document, size, overlap int) ([]model.Passage, error) {
	passages, err := ChunkPages(doc.Pages, size, overlap)
	if err != nil {
		return nil, err
	}
	for i := range passages {
		passages[i].DocumentID = doc.ID
		passages[i].ID = fmt.Sprintf("%s-%05d", doc.ID, passages[i].Ordinal)
	}
	return passages, nil
}
