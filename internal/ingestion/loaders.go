package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/xuri/excelize/v2"
)

var ErrUnsupportedFormat = errors.New("unsupported document format")

const (
	previewRows    = 3
	commandTimeout = 2 * time.Minute
)

var separator = strings.Repeat("=", 50)

// Loader extracts the text of one file.
type Loader interface {
	Load(ctx context.Context, path string) (string, error)
}

type LoaderFunc func(ctx context.Context, path string) (string, error)

func (f LoaderFunc) Load(ctx context.Context, path string) (string, error) { return f(ctx, path) }

// Commands names the external tools used for binary formats. Each value is a
// command line; the file path is appended as the last argument.
type Commands struct {
	PDF string
	Doc string
	OCR string
}

// Registry maps lowercase extensions (with dot) to loaders.
type Registry struct {
	loaders map[string]Loader
}

func NewRegistry(cmds Commands) *Registry {
	r := &Registry{loaders: make(map[string]Loader)}

	text := LoaderFunc(loadText)
	for _, ext := range []string{".txt", ".md", ".rst", ".markdown", ".json"} {
		r.Register(ext, text)
	}
	r.Register(".csv", LoaderFunc(loadCSV))
	r.Register(".xlsx", LoaderFunc(loadExcel))
	r.Register(".docx", LoaderFunc(loadDocx))
	r.Register(".html", LoaderFunc(loadHTML))
	r.Register(".htm", LoaderFunc(loadHTML))
	if cmds.Doc != "" {
		r.Register(".doc", &docLoader{command: cmds.Doc})
	}
	if cmds.PDF != "" || cmds.OCR != "" {
		r.Register(".pdf", &pdfLoader{command: cmds.PDF, ocr: cmds.OCR})
	}
	return r
}

func (r *Registry) Register(ext string, l Loader) {
	r.loaders[strings.ToLower(ext)] = l
}

func (r *Registry) Supports(path string) bool {
	_, ok := r.loaders[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (r *Registry) Load(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	l, ok := r.loaders[ext]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	return l.Load(ctx, path)
}

func loadText(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(string(data), "\ufeff"), nil
}

// tableSummary renders a header plus the first rows, the way spreadsheets are
// described to the index.
func tableSummary(kind, name string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", kind, name)
	if len(rows) == 0 {
		b.WriteString("列名: \n行数: 0\n")
		return b.String()
	}
	fmt.Fprintf(&b, "列名: %s\n", strings.Join(rows[0], ", "))
	fmt.Fprintf(&b, "行数: %d\n", len(rows)-1)
	b.WriteString("前3行数据:\n")
	for i, row := range rows[1:] {
		if i >= previewRows {
			break
		}
		fmt.Fprintf(&b, "%d  %s\n", i, strings.Join(row, "  "))
	}
	return b.String()
}

func loadCSV(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("failed to parse csv: %w", err)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return tableSummary("CSV文件", filepath.Base(path), rows), nil
}

func loadExcel(_ context.Context, path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableSummary("Excel文件", filepath.Base(path), nil), nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return "", fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return tableSummary("Excel文件", filepath.Base(path), rows), nil
}

var whitespace = regexp.MustCompile(`\s+`)

func loadHTML(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	var parts []string
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		parts = append(parts, title)
	}
	if body := strings.TrimSpace(whitespace.ReplaceAllString(doc.Find("body").Text(), " ")); body != "" {
		parts = append(parts, body)
	}
	return strings.Join(parts, "\n"), nil
}

// docx is a zip archive; word/document.xml holds paragraphs (w:p) made of
// runs (w:t) and tables (w:tbl / w:tr / w:tc).
func loadDocx(_ context.Context, path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("failed to open docx: %w", err)
	}
	defer zr.Close()

	var body []byte
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		body, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		break
	}
	if body == nil {
		return "", fmt.Errorf("docx has no word/document.xml")
	}

	paragraphs, tables, err := parseDocumentXML(body)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Word文档: %s\n%s\n", filepath.Base(path), separator)
	b.WriteString(strings.Join(paragraphs, "\n"))
	if len(tables) > 0 {
		b.WriteString("\n\n文档中的表格:\n")
		for i, table := range tables {
			fmt.Fprintf(&b, "\n表格 %d:\n", i+1)
			for _, row := range table {
				b.WriteString(strings.Join(row, " | "))
				b.WriteString("\n")
			}
		}
	}
	return b.String(), nil
}

func parseDocumentXML(data []byte) ([]string, [][][]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		paragraphs []string
		tables     [][][]string
		para       strings.Builder
		cell       strings.Builder
		row        []string
		inText     bool
		tableDepth int
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tableDepth++
				if tableDepth == 1 {
					tables = append(tables, nil)
				}
			case "tr":
				row = nil
			case "tc":
				cell.Reset()
			case "t":
				inText = true
			case "tab":
				para.WriteString("\t")
			case "br":
				para.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := para.String()
				para.Reset()
				if tableDepth > 0 {
					if cell.Len() > 0 {
						cell.WriteString("\n")
					}
					cell.WriteString(text)
				} else if strings.TrimSpace(text) != "" {
					paragraphs = append(paragraphs, text)
				}
			case "tc":
				row = append(row, strings.TrimSpace(cell.String()))
			case "tr":
				if tableDepth == 1 && len(tables) > 0 {
					tables[len(tables)-1] = append(tables[len(tables)-1], row)
				}
			case "tbl":
				tableDepth--
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	return paragraphs, tables, nil
}

func runCommand(ctx context.Context, commandLine string, args ...string) (string, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], args...)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", fields[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

type docLoader struct {
	command string
}

func (l *docLoader) Load(ctx context.Context, path string) (string, error) {
	out, err := runCommand(ctx, l.command, path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Word文档(.doc): %s\n%s\n%s", filepath.Base(path), separator, out), nil
}

type pdfLoader struct {
	command string
	ocr     string
}

// Load extracts the text layer and falls back to OCR for scanned files.
func (l *pdfLoader) Load(ctx context.Context, path string) (string, error) {
	header := fmt.Sprintf("PDF文件: %s\n%s\n", filepath.Base(path), separator)

	var body string
	if l.command != "" {
		out, err := runCommand(ctx, l.command, path, "-")
		if err != nil {
			return "", err
		}
		body = strings.TrimSpace(out)
	}
	if body != "" {
		return header + body, nil
	}

	if l.ocr != "" {
		out, err := runCommand(ctx, l.ocr, path)
		if err == nil && strings.TrimSpace(out) != "" {
			return header + strings.TrimSpace(out), nil
		}
	}
	return header + "(未从PDF中提取到文本，且OCR回退失败。)", nil
}
