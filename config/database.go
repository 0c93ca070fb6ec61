package config

import (
	"sync"
)

var (
	databaseOnce   sync.Once
	databaseConfig *DatabaseConfig
)

// DatabaseConfig 客户登记库连接配置
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string
	DSN    string
	// MaxOpenConns 为 0 时使用驱动默认值
	MaxOpenConns int
	LogQueries   bool
}

func GetDatabaseConfig() *DatabaseConfig {
	databaseOnce.Do(func() {
		loadEnv()
		databaseConfig = &DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			DSN:          getEnv("DB_DSN", "host=localhost user=postgres dbname=registry sslmode=disable"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 10),
			LogQueries:   getEnvBool("DB_LOG_QUERIES", false),
		}
	})
	return databaseConfig
}
