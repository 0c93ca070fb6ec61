package config

import (
	"os"
	"sync"
)

var (
	remoteOCROnce   sync.Once
	remoteOCRConfig *RemoteOCRConfig
)

// RemoteOCRConfig points at an HTTP OCR service, used as the remote tier
// when Textract is disabled.
type RemoteOCRConfig struct {
	URL    string
	APIKey string
}

func GetRemoteOCRConfig() *RemoteOCRConfig {
	remoteOCROnce.Do(func() {
		loadEnv()
		remoteOCRConfig = &RemoteOCRConfig{
			URL:    os.Getenv("REMOTE_OCR_URL"),
			APIKey: os.Getenv("REMOTE_OCR_API_KEY"),
		}
	})
	return remoteOCRConfig
}
