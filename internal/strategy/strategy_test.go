package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"agentfleet/internal/broker"
)

func TestDefaultCatalogLoads(t *testing.T) {
	strategies, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(strategies) != 4 {
		t.Fatalf("expected 4 strategies, got %d", len(strategies))
	}
	sides := map[broker.Side]int{}
	for _, s := range strategies {
		sides[s.Type.Side()]++
		if s.Prompt == "" || s.Credentials.KeyEnv == "" {
			t.Fatalf("strategy %s incomplete: %+v", s.ID, s)
		}
	}
	if sides[broker.Long] != 2 || sides[broker.Short] != 2 {
		t.Fatalf("expected two long and two short strategies, got %v", sides)
	}
}

func TestParseDefaultsNameAndCredentialEnv(t *testing.T) {
	strategies, err := Parse([]byte(`
strategies:
  - id: scalp.v2
    type: loss
    prompt: short things
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := strategies[0]
	if s.Name != "scalp.v2" || s.Type != Loss || s.Type.Side() != broker.Short {
		t.Fatalf("unexpected strategy %+v", s)
	}
	if s.Credentials.KeyEnv != "BYBIT_SCALP_V2_API_KEY" || s.Credentials.SecretEnv != "BYBIT_SCALP_V2_API_SECRET" {
		t.Fatalf("unexpected credential env %+v", s.Credentials)
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	cases := map[string]string{
		"empty":        `strategies: []`,
		"missing id":   "strategies:\n  - type: PROFIT\n    prompt: x\n",
		"bad type":     "strategies:\n  - id: a\n    type: NEUTRAL\n    prompt: x\n",
		"no prompt":    "strategies:\n  - id: a\n    type: PROFIT\n",
		"duplicate id": "strategies:\n  - id: a\n    type: PROFIT\n    prompt: x\n  - id: a\n    type: LOSS\n    prompt: y\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestResolveCredentials(t *testing.T) {
	s := Strategy{Credentials: Credentials{KeyEnv: "K", SecretEnv: "S"}}
	env := map[string]string{"K": "key", "S": " "}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	if _, _, ok := s.ResolveCredentials(lookup); ok {
		t.Fatalf("expected blank secret to be missing")
	}
	env["S"] = "secret"
	key, secret, ok := s.ResolveCredentials(lookup)
	if !ok || key != "key" || secret != "secret" {
		t.Fatalf("expected credentials, got %q %q %v", key, secret, ok)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("strategies:\n  - id: one\n    type: PROFIT\n    prompt: go long\n"), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	strategies, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(strategies) != 1 || strategies[0].ID != "one" {
		t.Fatalf("unexpected strategies %+v", strategies)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
