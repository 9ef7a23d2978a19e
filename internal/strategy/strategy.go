// Package strategy loads the immutable strategy catalog that defines the
// agent roster.
package strategy

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"agentfleet/internal/broker"

	"gopkg.in/yaml.v3"
)

//go:embed strategies.yaml
var defaultCatalog []byte

type Type string

const (
	Profit Type = "PROFIT"
	Loss   Type = "LOSS"
)

// Side is the directional bias: PROFIT trades long, LOSS trades short.
func (t Type) Side() broker.Side {
	if t == Loss {
		return broker.Short
	}
	return broker.Long
}

func (t Type) Valid() bool {
	return t == Profit || t == Loss
}

type Credentials struct {
	KeyEnv    string `yaml:"key_env"`
	SecretEnv string `yaml:"secret_env"`
}

type Strategy struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Type        Type        `yaml:"type"`
	Prompt      string      `yaml:"prompt"`
	Credentials Credentials `yaml:"credentials"`
}

// ResolveCredentials reads the strategy's exchange keys through lookup
// (os.LookupEnv in production). ok is false when either is missing.
func (s Strategy) ResolveCredentials(lookup func(string) (string, bool)) (key, secret string, ok bool) {
	key, keyOK := lookup(s.Credentials.KeyEnv)
	secret, secretOK := lookup(s.Credentials.SecretEnv)
	key = strings.TrimSpace(key)
	secret = strings.TrimSpace(secret)
	return key, secret, keyOK && secretOK && key != "" && secret != ""
}

type catalog struct {
	Strategies []Strategy `yaml:"strategies"`
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) ([]Strategy, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]Strategy, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse strategy catalog: %w", err)
	}
	if len(c.Strategies) == 0 {
		return nil, errors.New("strategy catalog is empty")
	}
	seen := make(map[string]struct{}, len(c.Strategies))
	for i := range c.Strategies {
		s := &c.Strategies[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Type = Type(strings.ToUpper(strings.TrimSpace(string(s.Type))))
		s.Prompt = strings.TrimSpace(s.Prompt)
		if s.ID == "" {
			return nil, fmt.Errorf("strategy %d: id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("strategy %s: duplicate id", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Name == "" {
			s.Name = s.ID
		}
		if !s.Type.Valid() {
			return nil, fmt.Errorf("strategy %s: type must be PROFIT or LOSS, got %q", s.ID, s.Type)
		}
		if s.Prompt == "" {
			return nil, fmt.Errorf("strategy %s: prompt is required", s.ID)
		}
		if s.Credentials.KeyEnv == "" || s.Credentials.SecretEnv == "" {
			envID := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s.ID))
			if s.Credentials.KeyEnv == "" {
				s.Credentials.KeyEnv = "BYBIT_" + envID + "_API_KEY"
			}
			if s.Credentials.SecretEnv == "" {
				s.Credentials.SecretEnv = "BYBIT_" + envID + "_API_SECRET"
			}
		}
	}
	return c.Strategies, nil
}
