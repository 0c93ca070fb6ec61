package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/feichai0017/document-reconciler/internal/ocr"
)

// Checkpoint backends.
const (
	CheckpointRedis  = "redis"
	CheckpointFile   = "file"
	CheckpointMemory = "memory"
)

// PipelineConfig tunes a reconciliation run.
type PipelineConfig struct {
	ChunkSize         int           `yaml:"chunkSize"`
	WaveSize          int           `yaml:"waveSize"`
	WaveDelay         time.Duration `yaml:"waveDelay"`
	ChunkDelay        time.Duration `yaml:"chunkDelay"`
	PausePoll         time.Duration `yaml:"pausePoll"`
	MaxRetries        int           `yaml:"maxRetries"`
	Staleness         time.Duration `yaml:"staleness"`
	CommitConcurrency int           `yaml:"commitConcurrency"`
	SnippetLength     int           `yaml:"snippetLength"`
	PreviewSize       int           `yaml:"previewSize"`

	OCR        ocr.Config       `yaml:"ocr"`
	Languages  LanguageConfig   `yaml:"languages"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Intake     IntakeConfig     `yaml:"intake"`
	Log        LogConfig        `yaml:"log"`
}

// LanguageConfig 本地 OCR 语言
type LanguageConfig struct {
	Dual   []string `yaml:"dual"`
	Single []string `yaml:"single"`
}

type CheckpointConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	Key     string `yaml:"key"`
}

type IntakeConfig struct {
	MaxFileSize  int64  `yaml:"maxFileSize"`
	MinDimension int    `yaml:"minDimension"`
	Storage      string `yaml:"storage"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// DefaultPipelineConfig returns the production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ChunkSize:         10,
		WaveSize:          3,
		WaveDelay:         300 * time.Millisecond,
		ChunkDelay:        2 * time.Second,
		PausePoll:         500 * time.Millisecond,
		MaxRetries:        3,
		Staleness:         24 * time.Hour,
		CommitConcurrency: 4,
		SnippetLength:     500,
		PreviewSize:       256,
		OCR:               ocr.DefaultConfig(),
		Languages: LanguageConfig{
			Dual:   []string{"ara", "eng"},
			Single: []string{"eng"},
		},
		Checkpoint: CheckpointConfig{
			Backend: CheckpointRedis,
			Path:    "data/checkpoint.json",
			Key:     "reconcile:checkpoint",
		},
		Intake: IntakeConfig{
			MaxFileSize:  10 << 20,
			MinDimension: 300,
			Storage:      "minio",
		},
		Log: LogConfig{Level: "info", Encoding: "json"},
	}
}

var (
	pipelineOnce   sync.Once
	pipelineConfig *PipelineConfig
	pipelineErr    error
)

// GetPipelineConfig loads PIPELINE_CONFIG (if set) over the defaults, then
// applies environment overrides.
func GetPipelineConfig() (*PipelineConfig, error) {
	pipelineOnce.Do(func() {
		loadEnv()
		cfg, err := LoadPipelineConfig(os.Getenv("PIPELINE_CONFIG"))
		if err != nil {
			pipelineErr = err
			return
		}
		cfg.applyEnv()
		pipelineConfig = &cfg
	})
	return pipelineConfig, pipelineErr
}

// LoadPipelineConfig reads a YAML file over the defaults. An empty path
// returns the defaults.
func LoadPipelineConfig(path string) (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read pipeline config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c PipelineConfig) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunkSize must be positive, got %d", c.ChunkSize)
	case c.WaveSize <= 0 || (c.WaveSize >= c.ChunkSize && c.ChunkSize > 1):
		return fmt.Errorf("waveSize must be in [1, chunkSize), got %d", c.WaveSize)
	case c.MaxRetries < 0:
		return fmt.Errorf("maxRetries must not be negative, got %d", c.MaxRetries)
	}
	switch c.Checkpoint.Backend {
	case CheckpointRedis, CheckpointFile, CheckpointMemory:
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	return nil
}

func (c *PipelineConfig) applyEnv() {
	c.ChunkSize = getEnvInt("RECONCILE_CHUNK_SIZE", c.ChunkSize)
	c.WaveSize = getEnvInt("RECONCILE_WAVE_SIZE", c.WaveSize)
	c.MaxRetries = getEnvInt("RECONCILE_MAX_RETRIES", c.MaxRetries)
	c.OCR.RemoteTimeout = getEnvDuration("REMOTE_OCR_TIMEOUT", c.OCR.RemoteTimeout)
	c.Checkpoint.Backend = getEnv("CHECKPOINT_BACKEND", c.Checkpoint.Backend)
	c.Checkpoint.Path = getEnv("CHECKPOINT_PATH", c.Checkpoint.Path)
	c.Intake.Storage = getEnv("STORAGE_TYPE", c.Intake.Storage)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = getEnv("LOG_ENCODING", c.Log.Encoding)
}
