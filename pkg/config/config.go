package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Knowledge KnowledgeConfig
	Vector    VectorConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Chat      ChatConfig
	Catalog   CatalogConfig
	Redis     RedisConfig
	Neo4j     Neo4jConfig
	Pipelines PipelinesConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeoutSec  int
	WriteTimeoutSec int
	BodyLimit       int
	RateLimitRPS    float64
	RateLimitBurst  int
	AllowOrigins    string
}

type KnowledgeConfig struct {
	DefaultPath     string
	RootDir         string
	IndexDir        string
	ChunkSize       int
	ChunkOverlap    int
	ChunkStrategy   string
	SearchResults   int
	ScoreThreshold  float64
	EmbeddingBatch  int
	LoadWorkers     int
	RebuildSchedule string
	Paths           []string
	PDFCommand      string
	DocCommand      string
	OCRCommand      string
}

type VectorConfig struct {
	Backend   string
	Dimension int
	Milvus    MilvusConfig
}

type MilvusConfig struct {
	Address        string
	APIKey         string
	CollectionName string
	IndexType      string
	NList          int
	NProbe         int
}

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
}

type LLMConfig struct {
	Provider        string
	Model           string
	APIKey          string
	BaseURL         string
	AzureDeployment string
	AzureAPIVersion string
	Temperature     float32
	MaxTokens       int
	TimeoutSec      int
}

type ChatConfig struct {
	Enabled            bool
	Driver             string
	DSN                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeMin int
	HistoryLimit       int
	SessionsLimit      int
	AutoMigrate        bool
}

type CatalogConfig struct {
	Enabled bool
	Path    string
}

type RedisConfig struct {
	Enabled    bool
	Address    string
	Password   string
	DB         int
	TTLMinutes int
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type PipelinesConfig struct {
	Dir     string
	Default string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type MetricsConfig struct {
	Enabled bool
}

// Load reads .env, then the config file (explicit path or config.yaml in the
// usual locations), then KBQA_* environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/kbqa")
	}

	v.SetEnvPrefix("KBQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	k := c.Knowledge
	if k.ChunkSize <= 0 {
		return fmt.Errorf("knowledge.chunkSize must be positive, got %d", k.ChunkSize)
	}
	if k.ChunkOverlap < 0 || k.ChunkOverlap >= k.ChunkSize {
		return fmt.Errorf("knowledge.chunkOverlap must be in [0, chunkSize), got %d", k.ChunkOverlap)
	}
	switch k.ChunkStrategy {
	case "runes", "words", "sentences":
	default:
		return fmt.Errorf("unknown knowledge.chunkStrategy %q", k.ChunkStrategy)
	}
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector.dimension must be positive, got %d", c.Vector.Dimension)
	}
	switch c.Vector.Backend {
	case "flat", "milvus":
	default:
		return fmt.Errorf("unknown vector.backend %q", c.Vector.Backend)
	}
	switch c.Embedding.Provider {
	case "hash", "openai":
	default:
		return fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider)
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "none", "openai", "azure", "tongyi":
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	if c.Chat.Enabled {
		switch c.Chat.Driver {
		case "mysql", "sqlite3":
		default:
			return fmt.Errorf("unknown chat.driver %q", c.Chat.Driver)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.readTimeoutSec", 30)
	v.SetDefault("server.writeTimeoutSec", 120)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.rateLimitRPS", 10)
	v.SetDefault("server.rateLimitBurst", 20)
	v.SetDefault("server.allowOrigins", "*")

	v.SetDefault("knowledge.defaultPath", "data/knowledge_base")
	v.SetDefault("knowledge.rootDir", "")
	v.SetDefault("knowledge.indexDir", ".kbqa")
	v.SetDefault("knowledge.chunkSize", 500)
	v.SetDefault("knowledge.chunkOverlap", 50)
	v.SetDefault("knowledge.chunkStrategy", "runes")
	v.SetDefault("knowledge.searchResults", 5)
	v.SetDefault("knowledge.scoreThreshold", 0.7)
	v.SetDefault("knowledge.embeddingBatch", 100)
	v.SetDefault("knowledge.loadWorkers", 4)
	v.SetDefault("knowledge.rebuildSchedule", "")
	v.SetDefault("knowledge.paths", []string{})
	v.SetDefault("knowledge.pdfCommand", "pdftotext")
	v.SetDefault("knowledge.docCommand", "antiword")
	v.SetDefault("knowledge.ocrCommand", "")

	v.SetDefault("vector.backend", "flat")
	v.SetDefault("vector.dimension", 384)
	v.SetDefault("vector.milvus.address", "localhost:19530")
	v.SetDefault("vector.milvus.apiKey", "")
	v.SetDefault("vector.milvus.collectionName", "kbqa_chunks")
	v.SetDefault("vector.milvus.indexType", "IVF_FLAT")
	v.SetDefault("vector.milvus.nlist", 128)
	v.SetDefault("vector.milvus.nprobe", 10)

	v.SetDefault("embedding.provider", "hash")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 384)

	v.SetDefault("llm.provider", "none")
	v.SetDefault("llm.model", "gpt-3.5-turbo")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.azureDeployment", "")
	v.SetDefault("llm.azureAPIVersion", "2024-02-01")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.maxTokens", 1000)
	v.SetDefault("llm.timeoutSec", 60)

	v.SetDefault("chat.enabled", false)
	v.SetDefault("chat.driver", "mysql")
	v.SetDefault("chat.dsn", "root:password@tcp(localhost:3306)/kbqa?charset=utf8mb4&parseTime=true&loc=Local")
	v.SetDefault("chat.maxOpenConns", 5)
	v.SetDefault("chat.maxIdleConns", 5)
	v.SetDefault("chat.connMaxLifetimeMin", 30)
	v.SetDefault("chat.historyLimit", 20)
	v.SetDefault("chat.sessionsLimit", 50)
	v.SetDefault("chat.autoMigrate", true)

	v.SetDefault("catalog.enabled", true)
	v.SetDefault("catalog.path", "./data/kbqa.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttlMinutes", 60)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("pipelines.dir", "workflows")
	v.SetDefault("pipelines.default", "vanilla_rag_pipeline")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("metrics.enabled", true)
}
