package config

import (
	"os"
	"strconv"
)

// Env — настройки подключения из переменных окружения.
type Env struct {
	// DBURL — DSN Postgres (DB_URL).
	DBURL string

	// RabbitMQURL — адрес брокера (RABBITMQ_URL).
	RabbitMQURL string

	// MasterPort — порт HTTP (/healthz, /metrics, /schedulers), MASTER_PORT.
	MasterPort int

	// ConfigPath — файл конфигурации master (CONVEYOR_CONFIG).
	ConfigPath string
}

// Значения по умолчанию.
const (
	DefaultMasterPort = 8010
	DefaultConfigPath = "conveyor.yaml"
)

// LoadEnv читает настройки из окружения.
// Пустые DBURL и RabbitMQURL означают адреса по умолчанию репозитория и брокера.
func LoadEnv() Env {
	env := Env{
		DBURL:       os.Getenv("DB_URL"),
		RabbitMQURL: os.Getenv("RABBITMQ_URL"),
		MasterPort:  DefaultMasterPort,
		ConfigPath:  DefaultConfigPath,
	}
	if v := os.Getenv("MASTER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			env.MasterPort = port
		}
	}
	if v := os.Getenv("CONVEYOR_CONFIG"); v != "" {
		env.ConfigPath = v
	}
	return env
}
