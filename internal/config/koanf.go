package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the YAML config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

var defaultConfigPaths = []string{
	"botconsole.yaml",
	"botconsole.yml",
	"/etc/botconsole/config.yaml",
}

// envMappings maps environment variables onto koanf paths.
var envMappings = map[string]string{
	"APP_BIND_ADDR":                  "server.bind_addr",
	"APP_SHUTDOWN_TIMEOUT":           "server.shutdown_timeout",
	"APP_ALLOW_ANY_ORIGIN":           "server.allow_any_origin",
	"APP_CORS_ORIGINS":               "server.cors_origins",
	"APP_RATE_LIMIT_RPS":             "server.rate_limit_rps",
	"APP_SESSION_INACTIVITY_TIMEOUT": "session.inactivity_timeout",
	"WEBHOOK_HEALTH_TIMEOUT":         "webhook.health_timeout",
	"WEBHOOK_SEND_TIMEOUT":           "webhook.send_timeout",
	"STORE_DRIVER":                   "store.driver",
	"DATABASE_URL":                   "store.database_url",
	"SQLITE_PATH":                    "store.sqlite_path",
	"CONSOLE_API_URL":                "remote.url",
	"CONSOLE_API_TOKEN":              "remote.token",
	"CONSOLE_API_RETRY_ATTEMPTS":     "remote.retry_attempts",
	"CONSOLE_API_RETRY_DELAY":        "remote.retry_delay",
	"CONSOLE_API_MAX_RETRY_DELAY":    "remote.max_retry_delay",
	"CONSOLE_API_TIMEOUT":            "remote.timeout",
	"REPORTS_PAGE_SIZE":              "reports.page_size",
	"APP_METRICS_NAMESPACE":          "metrics.namespace",
	"LOG_LEVEL":                      "logging.level",
	"LOG_FORMAT":                     "logging.format",
	"LOG_CALLER":                     "logging.caller",
}

// sliceKeys are koanf paths whose env values are comma-separated lists.
var sliceKeys = map[string]bool{
	"server.cors_origins": true,
}

// Load layers defaults, an optional YAML file and environment variables
// (in that order of precedence, env last) and validates the result.
// A .env file in the working directory is applied to the environment first.
func Load() (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envTransform drops unknown and empty variables so blank values never
// override defaults.
func envTransform(key, value string) (string, interface{}) {
	path, ok := envMappings[key]
	if !ok {
		return "", nil
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if sliceKeys[path] {
		parts := splitList(value)
		if len(parts) == 0 {
			return "", nil
		}
		return path, parts
	}
	return path, value
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func findConfigFile() string {
	if p := strings.TrimSpace(os.Getenv(ConfigPathEnvVar)); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
