package analyzer

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Report renders the saved statistics of the knowledge base at path.
func (a *Analyzer) Report(path string) (string, error) {
	st, err := a.Load(path)
	if err != nil {
		return "", err
	}
	return FormatReport(st), nil
}

func FormatReport(st *Stats) string {
	var b strings.Builder
	fs, cs, ks := st.FileStatistics, st.ContentStatistics, st.CaseStatistics

	b.WriteString("知识库统计分析报告\n")
	fmt.Fprintf(&b, "生成时间: %s\n", st.AnalysisDate.Format(time.RFC3339))
	fmt.Fprintf(&b, "知识库路径: %s\n\n", st.KnowledgeBasePath)

	b.WriteString("文件统计:\n")
	fmt.Fprintf(&b, "- 总文件数: %d\n", fs.TotalFiles)
	fmt.Fprintf(&b, "- 总大小: %.2f MB\n", float64(fs.FileSizes.TotalSizeBytes)/1024/1024)
	fmt.Fprintf(&b, "- 主要文件类型: %s\n\n", joinCounts(st.Summary.MainFileTypes))

	b.WriteString("内容统计:\n")
	fmt.Fprintf(&b, "- 总文档数: %d\n", cs.TotalDocuments)
	fmt.Fprintf(&b, "- 总词数: %d\n", cs.TotalWords)
	fmt.Fprintf(&b, "- 文档类型分布: 案件(%d), 报告(%d), 统计(%d), 其他(%d)\n\n",
		cs.DocumentsByType.Cases, cs.DocumentsByType.Reports, cs.DocumentsByType.Statistics, cs.DocumentsByType.Other)

	b.WriteString("案件统计:\n")
	fmt.Fprintf(&b, "- 总案件数: %d\n", ks.TotalCases)
	if len(ks.CasesByType) == 0 {
		b.WriteString("- 案件类型分布: 无案件数据\n")
	} else {
		fmt.Fprintf(&b, "- 案件类型分布: %s\n", joinCounts(topCounts(ks.CasesByType, len(ks.CasesByType))))
	}
	fmt.Fprintf(&b, "- 年度分布: %s\n", joinByKey(ks.CasesByYear))
	fmt.Fprintf(&b, "- 地区分布: %s\n", joinCounts(topCounts(ks.CasesByRegion, len(ks.CasesByRegion))))
	fmt.Fprintf(&b, "- 处理状态: 已结(%d), 未结(%d), 驳回(%d)\n",
		ks.CaseResolution.Resolved, ks.CaseResolution.Pending, ks.CaseResolution.Dismissed)
	return b.String()
}

func joinCounts(counts []Count) string {
	parts := make([]string, 0, len(counts))
	for _, c := range counts {
		parts = append(parts, fmt.Sprintf("%s: %d", c.Name, c.Count))
	}
	return strings.Join(parts, ", ")
}

func joinByKey(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %d", k, m[k]))
	}
	return strings.Join(parts, ", ")
}
