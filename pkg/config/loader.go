package config

import (
	"fmt"
	"os"
	"regexp"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Load reads a yaml tunables file over the defaults. ${VAR} placeholders are
// substituted from the environment before parsing.
func Load(path string, logger *zap.Logger) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	re := regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`) // Searching for environment variables to substitute.
	b = re.ReplaceAllFunc(b, func(m []byte) []byte {
		k := string(re.FindSubmatch(m)[1])
		val := os.Getenv(k)
		if val == "" {
			logger.Warn("env variable is empty during config expansion",
				zap.String("file", path),
				zap.String("var", k))
		}
		return []byte(val)
	})
	if re.Match(b) {
		logger.Error("unresolved ${VAR} placeholders left after env expansion",
			zap.String("file", path))
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Registry.MinActive > cfg.Registry.MaxActive {
		return cfg, fmt.Errorf("%s: minActive %d exceeds maxActive %d",
			path, cfg.Registry.MinActive, cfg.Registry.MaxActive)
	}
	if len(cfg.DNSSeeds) == 0 {
		return cfg, fmt.Errorf("%s: no dns seeds configured", path)
	}
	return cfg, nil
}
