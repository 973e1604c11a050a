package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads a configuration from a YAML file
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller and validated
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Substitute environment variables
	content := string(data)
	content = substituteEnvVars(content)

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadFile loads a full reservoir Config from a YAML file, starting from the
// defaults of the profile named in the file (or development when absent).
func LoadFile(filePath string) (*Config, error) {
	// First pass just to learn the profile so defaults are right
	var probe struct {
		Profile Profile `yaml:"profile"`
	}
	if err := Load(filePath, &probe); err != nil {
		return nil, err
	}

	profile := probe.Profile
	if profile == "" {
		profile = ProfileDevelopment
	}

	cfg := NewConfig(profile)
	if err := Load(filePath, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a Config from environment variables alone. RESERVOIR_PROFILE
// picks the defaults; RESERVOIR_CONN_STRING supplies the connection string.
func FromEnv() (*Config, error) {
	profile := Profile(os.Getenv("RESERVOIR_PROFILE"))
	if profile == "" {
		profile = ProfileDevelopment
	}

	cfg := NewConfig(profile)
	cfg.Pool.ConnString = os.Getenv("RESERVOIR_CONN_STRING")

	if addr := os.Getenv("RESERVOIR_METRICS_ADDR"); addr != "" {
		cfg.Metrics.ListenAddr = addr
	}
	if level := os.Getenv("RESERVOIR_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}

	return content
}
