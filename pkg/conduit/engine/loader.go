// Config loading: YAML files with .env support and environment variable
// expansion, so API keys never have to live in the config file itself.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error if not set
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// LoadConfigFromFile reads and parses a YAML configuration file. .env files
// next to the working directory are loaded first (without overriding the
// process environment), then ${VAR} references in the YAML are expanded.
// A ${VAR:?msg} reference with the variable unset fails the load.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveRelativePaths(cfg, path)
	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, starting from defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	seen := make(map[string]bool)
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if len(a.ToolsAllow) > 0 && len(a.ToolsDeny) > 0 {
			return fmt.Errorf("agent %q sets both tools_allow and tools_deny", a.ID)
		}
	}
	return nil
}

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		// godotenv.Load does not overwrite existing env vars.
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes ${VAR} references in input, applying defaults
// and reporting ${VAR:?msg} violations.
func expandEnvVars(input string) (string, error) {
	var expandErr error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, modValue := sub[1], sub[2], sub[3]

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "-":
			return modValue
		case "?":
			msg := modValue
			if msg == "" {
				msg = "required environment variable not set"
			}
			if expandErr == nil {
				expandErr = fmt.Errorf("%s: %s", varName, msg)
			}
			return match
		default:
			// Unset and no modifier: keep the placeholder visible.
			return match
		}
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

// resolveRelativePaths anchors file paths in the config to the config
// file's directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	if cfg.Database.Path != "" && !filepath.IsAbs(cfg.Database.Path) && !strings.HasPrefix(cfg.Database.Path, ":memory:") {
		cfg.Database.Path = filepath.Join(dir, cfg.Database.Path)
	}
}
