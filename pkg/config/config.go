package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Matcher  MatcherConfig  `mapstructure:"matcher"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	Dimensions     int    `mapstructure:"dimensions"`
	CacheSize      int    `mapstructure:"cache_size"`
}

// MatcherConfig carries every similarity tunable. Nothing in the core
// packages hardcodes a threshold; they all arrive from here.
type MatcherConfig struct {
	LexicalThreshold    float64  `mapstructure:"lexical_threshold"`
	VectorThreshold     float64  `mapstructure:"vector_threshold"`
	SuggestionThreshold float64  `mapstructure:"suggestion_threshold"`
	MinResponseLength   int      `mapstructure:"min_response_length"`
	NoResponsePatterns  []string `mapstructure:"no_response_patterns"`
	CandidateLimit      int      `mapstructure:"candidate_limit"`
	SuggestionLimit     int      `mapstructure:"suggestion_limit"`
}

// DefaultNoResponsePatterns matches pure acknowledgements: short thanks and
// agreement phrases, plus messages consisting only of emoji, symbols or
// punctuation.
var DefaultNoResponsePatterns = []string{
	`(?i)^(thanks|thank you|thx|ty|tysm|ok(ay)?|k+|lol|lmao|haha+|nice|cool|great|awesome|love it|yes+|no+|yep|yeah|nope|hi+|hey+|hello+|sure|np|yw|got it)[\s.!?~]*$`,
	`^[\p{So}\p{Sk}\p{Sm}\p{P}\p{Zs}\s]+$`,
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.dimensions", 1536)
	v.SetDefault("openai.cache_size", 1024)
	v.SetDefault("matcher.lexical_threshold", 0.85)
	v.SetDefault("matcher.vector_threshold", 0.82)
	v.SetDefault("matcher.suggestion_threshold", 0.8)
	v.SetDefault("matcher.min_response_length", 5)
	v.SetDefault("matcher.no_response_patterns", DefaultNoResponsePatterns)
	v.SetDefault("matcher.candidate_limit", 5)
	v.SetDefault("matcher.suggestion_limit", 3)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file when one is given; defaults plus environment
	// variables are enough to run against in-memory storage.
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	return &config, nil
}
