package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 5000\n"))
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Knowledge.ChunkSize)
	assert.Equal(t, 50, cfg.Knowledge.ChunkOverlap)
	assert.Equal(t, 5, cfg.Knowledge.SearchResults)
	assert.InDelta(t, 0.7, cfg.Knowledge.ScoreThreshold, 1e-9)
	assert.Equal(t, 384, cfg.Vector.Dimension)
	assert.Equal(t, "flat", cfg.Vector.Backend)
	assert.Equal(t, "none", cfg.LLM.Provider)
	assert.Equal(t, 20, cfg.Chat.HistoryLimit)
	assert.Equal(t, 50, cfg.Chat.SessionsLimit)
	assert.Equal(t, "vanilla_rag_pipeline", cfg.Pipelines.Default)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
knowledge:
  chunkSize: 800
  chunkOverlap: 80
  chunkStrategy: sentences
  paths: ["/data/kb/a", "/data/kb/b"]
llm:
  provider: tongyi
  model: qwen-turbo
chat:
  enabled: true
  driver: sqlite3
  dsn: /tmp/chat.db
`))
	require.NoError(t, err)

	assert.Equal(t, 800, cfg.Knowledge.ChunkSize)
	assert.Equal(t, "sentences", cfg.Knowledge.ChunkStrategy)
	assert.Equal(t, []string{"/data/kb/a", "/data/kb/b"}, cfg.Knowledge.Paths)
	assert.Equal(t, "tongyi", cfg.LLM.Provider)
	assert.Equal(t, "qwen-turbo", cfg.LLM.Model)
	assert.True(t, cfg.Chat.Enabled)
	assert.Equal(t, "sqlite3", cfg.Chat.Driver)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("KBQA_LLM_APIKEY", "sk-test")
	t.Setenv("KBQA_SERVER_PORT", "6060")

	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"overlap too large": "knowledge:\n  chunkSize: 100\n  chunkOverlap: 100\n",
		"unknown strategy":  "knowledge:\n  chunkStrategy: paragraphs\n",
		"unknown backend":   "vector:\n  backend: faiss\n",
		"unknown provider":  "llm:\n  provider: huggingface\n",
		"bad dimension":     "vector:\n  dimension: 0\n",
		"unknown chat db":   "chat:\n  enabled: true\n  driver: oracle\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
