// Package analyzer computes file, content and case statistics over a
// knowledge base directory and renders them as a text report.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/ingestion"
	"github.com/Fhyywen/shixun-qiu/internal/kg/neo4j"
)

// StatisticsFile is written to the knowledge base index directory.
const StatisticsFile = "knowledge_base_statistics.json"

const (
	frequencyWords = 50
	frequencyTop   = 20
	summaryTop     = 5
	minWordRunes   = 3
)

var (
	ErrPathNotFound = errors.New("knowledge base path does not exist")
	ErrNoReport     = errors.New("no statistics report, run the analysis first")
)

var (
	caseDocKeywords   = []string{"案件", "案例", "事故", "事件", "纠纷", "诉讼"}
	reportDocKeywords = []string{"报告", "总结", "分析", "研究", "调查"}
	statsDocKeywords  = []string{"统计", "数据", "数字", "比例", "百分比"}

	caseKeywords = []string{"案件", "案例", "案号", "原告", "被告", "法院", "判决"}

	caseTypePatterns = []struct {
		name     string
		keywords []string
	}{
		{"民事案件", []string{"民事", "合同", "债务", "侵权", "婚姻", "继承"}},
		{"刑事案件", []string{"刑事", "犯罪", "盗窃", "抢劫", "诈骗", "伤害"}},
		{"行政案件", []string{"行政", "处罚", "许可", "复议"}},
		{"经济案件", []string{"经济", "金融", "证券", "保险", "破产"}},
		{"劳动案件", []string{"劳动", "雇佣", "工资", "工伤", "仲裁"}},
	}

	regions = []string{"北京", "上海", "广州", "深圳", "杭州", "南京", "武汉", "成都", "重庆", "西安"}

	resolvedKeywords  = []string{"已结", "终结", "执行完毕"}
	pendingKeywords   = []string{"未结", "审理中", "待处理"}
	dismissedKeywords = []string{"驳回", "撤诉"}

	yearPattern = regexp.MustCompile(`\b(20\d{2})\b`)
)

type Stats struct {
	AnalysisDate      time.Time         `json:"analysis_date"`
	KnowledgeBasePath string            `json:"knowledge_base_path"`
	FileStatistics    FileStatistics    `json:"file_statistics"`
	ContentStatistics ContentStatistics `json:"content_statistics"`
	CaseStatistics    CaseStatistics    `json:"case_statistics"`
	Summary           Summary           `json:"summary"`
}

type FileStatistics struct {
	TotalFiles       int            `json:"total_files"`
	FileSizes        FileSizes      `json:"file_sizes"`
	FilesByExtension map[string]int `json:"files_by_extension"`
}

type FileSizes struct {
	TotalSizeBytes   int64   `json:"total_size_bytes"`
	AverageSizeBytes float64 `json:"average_size_bytes"`
}

type ContentStatistics struct {
	TotalDocuments  int             `json:"total_documents"`
	TotalWords      int             `json:"total_words"`
	TotalCharacters int             `json:"total_characters"`
	DocumentsByType DocumentsByType `json:"documents_by_type"`
	// WordFrequency is ordered by count, most frequent first.
	WordFrequency []Count `json:"word_frequency"`
}

type DocumentsByType struct {
	Cases      int `json:"cases"`
	Reports    int `json:"reports"`
	Statistics int `json:"statistics"`
	Other      int `json:"other"`
}

type CaseStatistics struct {
	TotalCases     int            `json:"total_cases"`
	CasesByType    map[string]int `json:"cases_by_type"`
	CasesByYear    map[string]int `json:"cases_by_year"`
	CasesByRegion  map[string]int `json:"cases_by_region"`
	CaseResolution CaseResolution `json:"case_resolution"`
}

type CaseResolution struct {
	Resolved  int `json:"resolved"`
	Pending   int `json:"pending"`
	Dismissed int `json:"dismissed"`
}

type Summary struct {
	Overview      string  `json:"overview"`
	CaseSummary   string  `json:"case_summary"`
	MainFileTypes []Count `json:"main_file_types"`
	MainCaseTypes []Count `json:"main_case_types"`
}

type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Loader reads the text of one file; ingestion.Registry satisfies it.
type Loader interface {
	Load(ctx context.Context, path string) (string, error)
}

// GraphExporter receives the per-document classification of every analysis.
type GraphExporter interface {
	ExportKnowledgeBase(ctx context.Context, kbPath string, docs []neo4j.Document) error
}

type Option func(*Analyzer)

func WithGraph(g GraphExporter) Option {
	return func(a *Analyzer) {
		if g != nil {
			a.graph = g
		}
	}
}

type Analyzer struct {
	loader   Loader
	indexDir string
	graph    GraphExporter
	log      *zap.Logger
	now      func() time.Time
}

// New builds an analyzer that stores its results under <kb>/<indexDir>.
func New(loader Loader, indexDir string, log *zap.Logger, opts ...Option) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Analyzer{loader: loader, indexDir: indexDir, log: log, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StatisticsPath is where the statistics of the knowledge base at path live.
func (a *Analyzer) StatisticsPath(path string) string {
	return filepath.Join(path, a.indexDir, StatisticsFile)
}

// Analyze walks path, computes its statistics and saves them. A failed save
// or graph export is logged; the statistics are still returned.
func (a *Analyzer) Analyze(ctx context.Context, path string) (*Stats, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	a.log.Info("Analyzing knowledge base", zap.String("path", path))

	st := &Stats{
		AnalysisDate:      a.now(),
		KnowledgeBasePath: path,
		FileStatistics:    FileStatistics{FilesByExtension: map[string]int{}},
		CaseStatistics: CaseStatistics{
			CasesByType:   map[string]int{},
			CasesByYear:   map[string]int{},
			CasesByRegion: map[string]int{},
		},
	}
	frequency := make(map[string]int)
	var docs []neo4j.Document

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			a.log.Warn("Skipping unreadable entry", zap.String("path", p), zap.Error(err))
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && p != path {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ext := strings.ToLower(filepath.Ext(d.Name()))
		st.FileStatistics.TotalFiles++
		st.FileStatistics.FilesByExtension[ext]++
		if fi, err := d.Info(); err == nil {
			st.FileStatistics.FileSizes.TotalSizeBytes += fi.Size()
		}

		content := a.read(ctx, p)
		if content == "" {
			return nil
		}
		doc := neo4j.Document{Path: p, Name: d.Name(), Extension: ext}
		analyzeContent(&st.ContentStatistics, frequency, content, &doc)
		analyzeCase(&st.CaseStatistics, content, &doc)
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if n := st.FileStatistics.TotalFiles; n > 0 {
		st.FileStatistics.FileSizes.AverageSizeBytes = float64(st.FileStatistics.FileSizes.TotalSizeBytes) / float64(n)
	}
	st.ContentStatistics.WordFrequency = topCounts(frequency, frequencyTop)
	st.Summary = summarize(st)

	if err := a.save(st); err != nil {
		a.log.Warn("Failed to save statistics", zap.Error(err))
	}
	if a.graph != nil {
		if err := a.graph.ExportKnowledgeBase(ctx, path, docs); err != nil {
			a.log.Warn("Failed to export statistics to graph", zap.Error(err))
		}
	}

	a.log.Info("Knowledge base analysis completed",
		zap.String("path", path),
		zap.Int("files", st.FileStatistics.TotalFiles),
		zap.Int("documents", st.ContentStatistics.TotalDocuments),
		zap.Int("cases", st.CaseStatistics.TotalCases),
	)
	return st, nil
}

// read returns the text of p, or "" when it cannot be read. Files without a
// registered loader are read as text when they are valid UTF-8.
func (a *Analyzer) read(ctx context.Context, p string) string {
	text, err := a.loader.Load(ctx, p)
	if errors.Is(err, ingestion.ErrUnsupportedFormat) {
		data, rerr := os.ReadFile(p)
		if rerr != nil || !utf8.Valid(data) {
			return ""
		}
		return string(data)
	}
	if err != nil {
		a.log.Warn("Failed to read file", zap.String("path", p), zap.Error(err))
		return ""
	}
	return text
}

func analyzeContent(cs *ContentStatistics, frequency map[string]int, content string, doc *neo4j.Document) {
	words := strings.Fields(content)
	cs.TotalDocuments++
	cs.TotalWords += len(words)
	cs.TotalCharacters += utf8.RuneCountInString(content)
	doc.Characters = utf8.RuneCountInString(content)

	lower := strings.ToLower(content)
	switch {
	case containsAny(lower, caseDocKeywords):
		cs.DocumentsByType.Cases++
		doc.Type = "case"
	case containsAny(lower, reportDocKeywords):
		cs.DocumentsByType.Reports++
		doc.Type = "report"
	case containsAny(lower, statsDocKeywords):
		cs.DocumentsByType.Statistics++
		doc.Type = "statistics"
	default:
		cs.DocumentsByType.Other++
		doc.Type = "other"
	}

	if len(words) > frequencyWords {
		words = words[:frequencyWords]
	}
	for _, w := range words {
		if utf8.RuneCountInString(w) >= minWordRunes {
			frequency[w]++
		}
	}
}

func analyzeCase(cs *CaseStatistics, content string, doc *neo4j.Document) {
	if !containsAny(strings.ToLower(content), caseKeywords) {
		return
	}
	cs.TotalCases++

	for _, pattern := range caseTypePatterns {
		if containsAny(content, pattern.keywords) {
			cs.CasesByType[pattern.name]++
			doc.CaseType = pattern.name
			break
		}
	}
	if m := yearPattern.FindStringSubmatch(content); m != nil {
		cs.CasesByYear[m[1]]++
		doc.Year = m[1]
	}
	for _, region := range regions {
		if strings.Contains(content, region) {
			cs.CasesByRegion[region]++
			doc.Region = region
			break
		}
	}

	switch {
	case containsAny(content, resolvedKeywords):
		cs.CaseResolution.Resolved++
		doc.Resolution = "resolved"
	case containsAny(content, pendingKeywords):
		cs.CaseResolution.Pending++
		doc.Resolution = "pending"
	case containsAny(content, dismissedKeywords):
		cs.CaseResolution.Dismissed++
		doc.Resolution = "dismissed"
	}
}

func summarize(st *Stats) Summary {
	return Summary{
		Overview: fmt.Sprintf("知识库包含 %d 个文件，%d 个文档，共 %d 个词",
			st.FileStatistics.TotalFiles,
			st.ContentStatistics.TotalDocuments,
			st.ContentStatistics.TotalWords,
		),
		CaseSummary:   fmt.Sprintf("共发现 %d 个案件", st.CaseStatistics.TotalCases),
		MainFileTypes: topCounts(st.FileStatistics.FilesByExtension, summaryTop),
		MainCaseTypes: topCounts(st.CaseStatistics.CasesByType, summaryTop),
	}
}

// topCounts orders m by count descending, ties by name, and keeps n entries.
func topCounts(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Name: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func (a *Analyzer) save(st *Stats) error {
	path := a.StatisticsPath(st.KnowledgeBasePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	a.log.Info("Statistics saved", zap.String("path", path))
	return nil
}

// Load reads the saved statistics of the knowledge base at path.
func (a *Analyzer) Load(path string) (*Stats, error) {
	data, err := os.ReadFile(a.StatisticsPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoReport
	}
	if err != nil {
		return nil, err
	}
	var st Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode statistics: %w", err)
	}
	return &st, nil
}
