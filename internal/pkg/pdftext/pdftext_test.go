package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/fincheck/pkg/utils/errors"
)

// buildPDF 生成每页一行文本的最小 PDF，xref 偏移按实际字节计算。
func buildPDF(pageTexts ...string) []byte {
	n := len(pageTexts)
	// 对象编号：1 Catalog，2 Pages，3 Font，随后每页一个 Page 与一个内容流
	var objs []string
	kids := make([]string, n)
	for i := range pageTexts {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
	for i, text := range pageTexts {
		stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, obj := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "fincheck-upload-*.pdf"))
	require.NoError(t, err)
	return matches
}

func TestExtract_Pages(t *testing.T) {
	dir := t.TempDir()
	e := NewPDFExtractor(WithTempDir(dir))

	pages, err := e.Extract(context.Background(), bytes.NewReader(buildPDF("Revenue 2023 was 12.4 million", "Auditor opinion unqualified")))
	require.NoError(t, err)
	require.Len(t, pages, 2)

	assert.Equal(t, 1, pages[0].Number)
	assert.Contains(t, pages[0].Text, "Revenue")
	assert.Equal(t, 2, pages[1].Number)
	assert.Contains(t, pages[1].Text, "Auditor")
	assert.Empty(t, tempFiles(t, dir), "临时文件应被删除")
}

func TestExtract_MaxPages(t *testing.T) {
	e := NewPDFExtractor(WithTempDir(t.TempDir()), WithMaxPages(1))

	pages, err := e.Extract(context.Background(), bytes.NewReader(buildPDF("first", "second")))
	require.NoError(t, err)
	assert.Len(t, pages, 1)
}

func TestExtract_NotPDF(t *testing.T) {
	dir := t.TempDir()
	e := NewPDFExtractor(WithTempDir(dir))

	_, err := e.Extract(context.Background(), strings.NewReader("plain text, not a pdf"))
	assert.True(t, errors.IsCode(err, errors.ErrNotPDF.Code))
	assert.Empty(t, tempFiles(t, dir))
}

func TestExtract_CorruptPDF(t *testing.T) {
	dir := t.TempDir()
	e := NewPDFExtractor(WithTempDir(dir))

	_, err := e.Extract(context.Background(), strings.NewReader("%PDF-1.4\nthis is not really a pdf"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrDocumentExtraction.Code))
	assert.Empty(t, tempFiles(t, dir), "解析失败时也要删除临时文件")
}

func TestExtract_NoText(t *testing.T) {
	dir := t.TempDir()
	e := NewPDFExtractor(WithTempDir(dir))

	_, err := e.Extract(context.Background(), bytes.NewReader(buildPDF("   ")))
	assert.True(t, errors.IsCode(err, errors.ErrDocumentExtraction.Code))
	assert.Empty(t, tempFiles(t, dir))
}

func TestExtract_CanceledContext(t *testing.T) {
	dir := t.TempDir()
	e := NewPDFExtractor(WithTempDir(dir))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Extract(ctx, bytes.NewReader(buildPDF("text")))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tempFiles(t, dir))
}

func TestExtract_CreatesTempDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "uploads")
	e := NewPDFExtractor(WithTempDir(dir))

	_, err := e.Extract(context.Background(), bytes.NewReader(buildPDF("text")))
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
