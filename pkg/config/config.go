package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Chunking  ChunkingConfig
	Retrieval RetrievalConfig
	Rerank    RerankConfig
	Filter    FilterConfig
	Cache     CacheConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host              string
	Port              int
	ReadTimeout       int
	WriteTimeout      int
	BodyLimit         int
	RequestTimeoutSec int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path        string
	LexicalPath string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	APIKey          string
	Model           string
	EmbeddingModel  string
	Temperature     float32
	MaxTokens       int
	TimeoutSec      int
	EmbedBatchSize  int
	RetryBaseSec    int
	RetryMaxAttempt int
}

type ChunkingConfig struct {
	Window  int
	Overlap int
}

type RetrievalConfig struct {
	VectorWeight   float64
	LexicalWeight  float64
	DefaultBreadth int
	MaxBreadth     int
}

type RerankConfig struct {
	CategoryBonus      float64
	SubtypeBonus       float64
	ThemeBonus         float64
	NumericPrefixBonus float64
	VerifyBelow        float64
	VerifyPenalty      float64
	VerifyTimeoutSec   int
	VerifyWorkers      int
}

type FilterConfig struct {
	HighThreshold float64
	LowThreshold  float64
	FallbackCap   int
}

type CacheConfig struct {
	MaxSize    int
	TTLSeconds int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/docqa")

	viper.SetEnvPrefix("DOCQA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 20971520)
	viper.SetDefault("server.requestTimeoutSec", 60)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "corpus_chunks")
	viper.SetDefault("milvus.vectorDim", 3072)

	viper.SetDefault("sqlite.path", "./data/docqa.db")
	viper.SetDefault("sqlite.lexicalPath", "./data/lexical.db")

	viper.SetDefault("redis.host", "")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-large")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 1024)
	viper.SetDefault("llm.timeoutSec", 60)
	viper.SetDefault("llm.embedBatchSize", 2048)
	viper.SetDefault("llm.retryBaseSec", 2)
	viper.SetDefault("llm.retryMaxAttempt", 4)

	viper.SetDefault("chunking.window", 800)
	viper.SetDefault("chunking.overlap", 150)

	viper.SetDefault("retrieval.vectorWeight", 0.7)
	viper.SetDefault("retrieval.lexicalWeight", 0.3)
	viper.SetDefault("retrieval.defaultBreadth", 5)
	viper.SetDefault("retrieval.maxBreadth", 100)

	viper.SetDefault("rerank.categoryBonus", 0.3)
	viper.SetDefault("rerank.subtypeBonus", 0.2)
	viper.SetDefault("rerank.themeBonus", 0.2)
	viper.SetDefault("rerank.numericPrefixBonus", 0.1)
	viper.SetDefault("rerank.verifyBelow", 0.6)
	viper.SetDefault("rerank.verifyPenalty", 0.2)
	viper.SetDefault("rerank.verifyTimeoutSec", 5)
	viper.SetDefault("rerank.verifyWorkers", 4)

	viper.SetDefault("filter.highThreshold", 0.65)
	viper.SetDefault("filter.lowThreshold", 0.40)
	viper.SetDefault("filter.fallbackCap", 3)

	viper.SetDefault("cache.maxSize", 100)
	viper.SetDefault("cache.ttlSeconds", 3600)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
