package ingestion

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCSV(t *testing.T) {
	path := writeFile(t, t.TempDir(), "people.csv", "name,age\n张三,30\n李四,25\n王五,40\n赵六,35\n")

	got, err := NewRegistry(Commands{}).Load(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "CSV文件: people.csv\n列名: name, age\n行数: 4\n前3行数据:\n"))
	assert.Contains(t, got, "王五")
	assert.NotContains(t, got, "赵六")
}

func TestLoadExcel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"案件", "地区"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"民事纠纷", "东城"}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	got, err := NewRegistry(Commands{}).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, got, "Excel文件: cases.xlsx")
	assert.Contains(t, got, "列名: 案件, 地区")
	assert.Contains(t, got, "行数: 1")
	assert.Contains(t, got, "民事纠纷")
}

const documentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>社会调研</w:t></w:r><w:r><w:t>报告</w:t></w:r></w:p>
<w:p><w:r><w:t>   </w:t></w:r></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>街道</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>人口</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>东华门</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>5万</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
<w:p><w:r><w:t>结论</w:t></w:r></w:p>
</w:body></w:document>`

func TestLoadDocx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.docx")
	out, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	got, err := NewRegistry(Commands{}).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Word文档: report.docx\n"+separator+"\n社会调研报告\n结论\n\n文档中的表格:\n\n表格 1:\n街道 | 人口\n东华门 | 5万\n", got)
}

func TestLoadHTML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "page.html",
		`<html><head><title>标题</title><style>p{}</style></head><body><p>第一段</p>
		<script>alert(1)</script><p>第二段</p></body></html>`)

	got, err := NewRegistry(Commands{}).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "标题\n第一段 第二段", got)
}

func TestLoadPDF_FallsBackToOCR(t *testing.T) {
	path := writeFile(t, t.TempDir(), "scan.pdf", "%PDF-1.4")

	got, err := NewRegistry(Commands{PDF: "true", OCR: "echo ocr-text"}).Load(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "PDF文件: scan.pdf\n"+separator+"\nocr-text"))

	got, err = NewRegistry(Commands{PDF: "true"}).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, got, "未从PDF中提取到文本")
}

func TestLoad_Unsupported(t *testing.T) {
	r := NewRegistry(Commands{})
	assert.False(t, r.Supports("a.pdf"))
	assert.True(t, r.Supports("A.TXT"))

	_, err := r.Load(context.Background(), "archive.tar")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
