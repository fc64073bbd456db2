package main

import (
	"os"

	"github.com/joho/godotenv"
)

type appConfig struct {
	ConfigFile  string
	CatalogPath string
	TorSocks    string
	AdminKey    string
	Host        string
	Port        string
	LogLevel    string
}

func loadAppConfig() appConfig {
	_ = godotenv.Load()
	return appConfig{
		ConfigFile:  getEnv("NODEPOOL_CONFIG", ""),
		CatalogPath: getEnv("NODEPOOL_CATALOG", "data/catalog.json"),
		TorSocks:    getEnv("TOR_SOCKS5", ""),
		AdminKey:    getEnv("ADMIN_API_KEY", "changeme"),
		Host:        getEnv("SERVER_HOST", "0.0.0.0"),
		Port:        getEnv("SERVER_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
