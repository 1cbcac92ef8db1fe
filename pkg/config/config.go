package config

import (
	"fmt"
	"time"
)

// Config is the top-level server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Protocols  ProtocolsConfig  `yaml:"protocols"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Completion CompletionConfig `yaml:"completion"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ProtocolsConfig controls where workflow protocol files are discovered.
type ProtocolsConfig struct {
	Dir string `yaml:"dir"`
}

// CheckpointConfig holds server-wide defaults for checkpoint persistence.
// Individual protocols choose their provider; the Mongo connection details
// come from here.
type CheckpointConfig struct {
	MongoURI        string        `yaml:"mongo_uri"`
	MongoDatabase   string        `yaml:"mongo_database"`
	MongoCollection string        `yaml:"mongo_collection"`
	MongoAuthSource string        `yaml:"mongo_auth_source"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// CompletionConfig controls how agent loops detect task completion.
// Indicators are matched case-insensitively against the final message of an
// iteration; ContextWords and FalsePositives drive the contextual heuristic.
type CompletionConfig struct {
	Indicators     []string `yaml:"indicators"`
	ContextWords   []string `yaml:"context_words"`
	FalsePositives []string `yaml:"false_positives"`
}

func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Protocols.Dir == "" {
		c.Protocols.Dir = "configs"
	}
	if c.Checkpoint.MongoDatabase == "" {
		c.Checkpoint.MongoDatabase = "kaflow"
	}
	if c.Checkpoint.MongoCollection == "" {
		c.Checkpoint.MongoCollection = "checkpoints"
	}
	if c.Checkpoint.MongoAuthSource == "" {
		c.Checkpoint.MongoAuthSource = "admin"
	}
	if c.Checkpoint.ConnectTimeout == 0 {
		c.Checkpoint.ConnectTimeout = 5 * time.Second
	}
	if len(c.Completion.Indicators) == 0 {
		c.Completion.Indicators = DefaultCompletionIndicators()
	}
	if len(c.Completion.ContextWords) == 0 {
		c.Completion.ContextWords = DefaultCompletionContextWords()
	}
	if len(c.Completion.FalsePositives) == 0 {
		c.Completion.FalsePositives = DefaultCompletionFalsePositives()
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
}

// DefaultCompletionIndicators returns the built-in markers that signal an
// agent considers its task finished. Deployments append their own via config.
func DefaultCompletionIndicators() []string {
	return []string{
		"【最终答案】",
		"最终答案:",
		"最终答案:",
		"final answer:",
		"task completed",
		"任务完成",
		"处理完成",
		"执行完毕",
		"分析完成",
		"回答完毕",
	}
}

func DefaultCompletionContextWords() []string {
	return []string{
		"分析完成",
		"处理完成",
		"检查完成",
		"任务完成",
		"执行完成",
		"task completed",
		"analysis completed",
		"check completed",
		"processing completed",
	}
}

func DefaultCompletionFalsePositives() []string {
	return []string{
		"未完成",
		"没有完成",
		"不完整",
		"not completed",
		"incomplete",
		"unfinished",
	}
}
