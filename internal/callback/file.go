package callback

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule declares a handler in configuration. A rule without a value matches
// but declines, which shadows later, broader patterns.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Value   *int32 `yaml:"value"`
}

type Config struct {
	Handlers []Rule `yaml:"handlers"`
}

// AddRules registers rules in order after any handlers already present.
func (r *Registry) AddRules(rules []Rule) error {
	for i, rule := range rules {
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			return fmt.Errorf("handler %d: pattern is required", i)
		}
		pattern = strings.TrimPrefix(pattern, ".")

		h := declining
		if rule.Value != nil {
			h = Constant(*rule.Value)
		}
		if _, err := r.Register(pattern, h); err != nil {
			return fmt.Errorf("handler %d: %w", i, err)
		}
	}
	return nil
}

var declining Handler = HandlerFunc(func(string, *Entry) (int32, bool) { return 0, false })

// LoadFromFile reads a YAML handler list into r.
func LoadFromFile(r *Registry, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read handler file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse handler yaml: %w", err)
	}

	return r.AddRules(cfg.Handlers)
}
