package config

import (
	"os"
	"sync"
)

var (
	textractOnce   sync.Once
	textractConfig *TextractConfig
)

// TextractConfig 配置远程 OCR (Amazon Textract)
type TextractConfig struct {
	Enabled   bool
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// MinConfidence drops LINE blocks below this confidence (0-100).
	MinConfidence float32
}

func GetTextractConfig() *TextractConfig {
	textractOnce.Do(func() {
		loadEnv()
		textractConfig = &TextractConfig{
			Enabled:       getEnvBool("TEXTRACT_ENABLED", false),
			Region:        getEnv("AWS_REGION", "us-east-1"),
			Endpoint:      os.Getenv("AWS_ENDPOINT"),
			AccessKey:     os.Getenv("AWS_ACCESS_KEY"),
			SecretKey:     os.Getenv("AWS_SECRET_KEY"),
			MinConfidence: float32(getEnvFloat("TEXTRACT_MIN_CONFIDENCE", 50)),
		}
	})
	return textractConfig
}
