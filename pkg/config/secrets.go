package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretKeys maps secret file base names onto Config fields. Values are the
// trimmed file contents.
var secretKeys = map[string]func(*Config, string){
	"api_key":        func(c *Config, v string) { c.APIKey = v },
	"gateway_token":  func(c *Config, v string) { c.JWTSecret = v },
	"redis_password": func(c *Config, v string) { c.RedisURL = injectRedisPassword(c.RedisURL, v) },
	"ca.crt":         func(c *Config, v string) {},
	"client.crt":     func(c *Config, v string) {},
	"client.key":     func(c *Config, v string) {},
	"secret":         func(c *Config, v string) { c.Secret = v },
}

// applySecretsDir overlays secret files onto the config. File contents win
// over environment values. The TLS material files stay on disk; only their
// paths are recorded.
func applySecretsDir(cfg *Config, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read secrets dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)

		switch name {
		case "ca.crt":
			cfg.TLSCAFile = path
			continue
		case "client.crt":
			cfg.TLSCertFile = path
			continue
		case "client.key":
			cfg.TLSKeyFile = path
			continue
		}

		apply, ok := secretKeys[name]
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read secret %s: %w", name, err)
		}
		apply(cfg, strings.TrimSpace(string(data)))
	}
	return nil
}

// injectRedisPassword splices a password into a redis:// URL that carries
// none. URLs that already embed credentials are left alone.
func injectRedisPassword(url, password string) string {
	if password == "" || strings.Contains(url, "@") {
		return url
	}
	for _, scheme := range []string{"redis://", "rediss://"} {
		if rest, ok := strings.CutPrefix(url, scheme); ok {
			return scheme + ":" + password + "@" + rest
		}
	}
	return url
}
