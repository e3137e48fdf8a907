package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fhyywen/shixun-qiu/internal/dataset"
)

const streetsDoc = "东城区共有17个街道，包括东华门街道和景山街道。"

// writeConfig creates a knowledge base with one document and a config file
// using only local backends.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	kb := filepath.Join(root, "kb")
	require.NoError(t, os.MkdirAll(kb, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(kb, "streets.txt"), []byte(streetsDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(kb, "case.txt"),
		[]byte("2021年 上海 法院 判决 盗窃 刑事案件"), 0o644))

	cfg := fmt.Sprintf(`
knowledge:
  defaultPath: %q
  rootDir: %q
  chunkSize: 200
  chunkOverlap: 20
vector:
  dimension: 64
embedding:
  dimension: 64
catalog:
  enabled: false
pipelines:
  dir: ""
logging:
  level: error
  outputPath: stderr
`, kb, root)
	path := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path, kb
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestRoot_NoFlagsPrintsHelp(t *testing.T) {
	out, err := run(t, "")
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "--list-pipelines")
}

func TestRoot_ListPipelines(t *testing.T) {
	cfg, _ := writeConfig(t)
	out, err := run(t, "", "--config", cfg, "--list-pipelines")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "可用的流水线:\n"), out)
	assert.Contains(t, out, "  - vanilla_rag_pipeline\n")
	assert.Contains(t, out, "  - deepnote_pipeline\n")
}

func TestRoot_Query(t *testing.T) {
	cfg, _ := writeConfig(t)
	out, err := run(t, "", "--config", cfg, "--query", streetsDoc)
	require.NoError(t, err)
	assert.Contains(t, out, "回答: ")
	assert.Contains(t, out, "东华门街道")
}

func TestRoot_UnknownPipeline(t *testing.T) {
	cfg, _ := writeConfig(t)
	_, err := run(t, "", "--config", cfg, "--pipeline", "nope", "--query", "街道")
	assert.Error(t, err)
}

func TestRoot_Interactive(t *testing.T) {
	cfg, _ := writeConfig(t)
	out, err := run(t, streetsDoc+"\n\nq\n"+"never asked\n", "--config", cfg, "--cli")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "回答: "))
	assert.NotContains(t, out, "never asked")
}

func TestBuildAndAnalyze(t *testing.T) {
	cfg, kb := writeConfig(t)

	out, err := run(t, "", "--config", cfg, "build", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "知识库构建完成")
	assert.Contains(t, out, kb)

	out, err = run(t, "", "--config", cfg, "analyze", kb)
	require.NoError(t, err)
	assert.Contains(t, out, "知识库统计分析报告")
	assert.Contains(t, out, "总案件数: 1")

	out, err = run(t, "", "--config", cfg, "analyze", "--report")
	require.NoError(t, err)
	assert.Contains(t, out, "总案件数: 1")
	assert.NotContains(t, out, "统计结果已保存到")

	empty := filepath.Join(filepath.Dir(kb), "empty")
	require.NoError(t, os.MkdirAll(empty, 0o755))
	_, err = run(t, "", "--config", cfg, "build", empty)
	assert.Error(t, err)
}

func TestDatasetSplitAndCheck(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "all.jsonl")
	var data []dataset.Record
	for i := 0; i < 10; i++ {
		data = append(data, dataset.Record{"text": fmt.Sprintf("样本文本内容足够长，编号 %d", i)})
	}
	require.NoError(t, dataset.SaveJSONL(input, data))

	out, err := run(t, "", "dataset", "split", input, "--train", "0.6", "--val", "0.2", "--test", "0.2")
	require.NoError(t, err)
	assert.Contains(t, out, "train: 6")

	train, err := dataset.LoadJSONL(filepath.Join(dir, "train.jsonl"))
	require.NoError(t, err)
	assert.Len(t, train, 6)

	_, err = run(t, "", "dataset", "split", input, "--train", "0.9")
	assert.Error(t, err)

	out, err = run(t, "", "dataset", "check", input, "--fields", "text")
	require.NoError(t, err)
	assert.Contains(t, out, `"total_samples": 10`)
	assert.Contains(t, out, `"valid_format": true`)
}

func TestSessions_RequiresChat(t *testing.T) {
	cfg, _ := writeConfig(t)
	_, err := run(t, "", "--config", cfg, "sessions", "list")
	assert.Error(t, err)
}

func TestMigrate_RejectsDirection(t *testing.T) {
	_, err := run(t, "", "migrate")
	assert.Error(t, err)
}
