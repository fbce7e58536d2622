package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"analysis-backend/internal/bootstrap"
	"analysis-backend/internal/shared/config"
	"analysis-backend/internal/usage"
)

func TestParseSwaps(t *testing.T) {
	subs, err := parseSwaps([]string{"gemini=deepseek", " b = d "})
	if err != nil {
		t.Fatalf("parseSwaps: %v", err)
	}
	if len(subs) != 2 || subs[0].Original != "gemini" || subs[1].Substitute != "d" {
		t.Fatalf("unexpected substitutions %+v", subs)
	}
	for _, bad := range []string{"gemini", "=d", "b="} {
		if _, err := parseSwaps([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestUserSetThenBudget(t *testing.T) {
	app, err := bootstrap.Build(config.Config{
		Env:            "dev",
		LocalStoreDir:  t.TempDir(),
		EventsBackend:  "none",
		TierFreeTokens: 10,
		TierProTokens:  1000,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	prev := loadApp
	loadApp = func() (*bootstrap.App, error) { return app, nil }
	t.Cleanup(func() { loadApp = prev })

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		root := newRootCmd()
		root.SetOut(&out)
		root.SetArgs(args)
		if err := root.ExecuteContext(context.Background()); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out.String()
	}

	run("user", "set", "--id", "user-1", "--tier", "PRO")
	var b usage.Budget
	if err := json.Unmarshal([]byte(run("budget", "user-1")), &b); err != nil {
		t.Fatalf("decode budget: %v", err)
	}
	if b.Tier != usage.TierPro || b.Limit != 1000 {
		t.Fatalf("expected pro budget of 1000, got %+v", b)
	}

	if out := run("user", "key", "--id", "user-1", "--provider", "OpenAI", "--key", "sk-x"); !strings.Contains(out, "stored openai key") {
		t.Fatalf("unexpected output %q", out)
	}
}
