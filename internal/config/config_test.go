package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default("wf-1")
	if cfg.Workflow.ID != "wf-1" {
		t.Fatalf("expected workflow id wf-1, got %q", cfg.Workflow.ID)
	}
	if cfg.ReviewLevels() != DefaultReviewLevels {
		t.Fatalf("expected %d review levels, got %d", DefaultReviewLevels, cfg.ReviewLevels())
	}
	if cfg.LeaseTTLSeconds() != DefaultLeaseTTLSeconds {
		t.Fatalf("expected ttl %d, got %d", DefaultLeaseTTLSeconds, cfg.LeaseTTLSeconds())
	}
	if cfg.Quality.Threshold != DefaultQualityThresh {
		t.Fatalf("expected threshold %v, got %v", DefaultQualityThresh, cfg.Quality.Threshold)
	}
	if _, ok := cfg.Skills.Catalog["nlp.sentiment"]; !ok {
		t.Fatalf("expected nlp.sentiment in the default catalog")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestReviewLevelsZeroVersusOmitted(t *testing.T) {
	withZero, err := FromYAML([]byte("workflow:\n  id: wf-1\nreview:\n  levels: 0\nleases:\n  ttl_seconds: 60\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if withZero.ReviewLevels() != 0 {
		t.Fatalf("explicit zero should disable review, got %d", withZero.ReviewLevels())
	}

	omitted, err := FromYAML([]byte("workflow:\n  id: wf-1\nleases:\n  ttl_seconds: 60\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if omitted.ReviewLevels() != DefaultReviewLevels {
		t.Fatalf("omitted levels should fall back to %d, got %d", DefaultReviewLevels, omitted.ReviewLevels())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing workflow id", "leases:\n  ttl_seconds: 60\n", "workflow.id"},
		{"negative levels", "workflow:\n  id: wf-1\nreview:\n  levels: -1\nleases:\n  ttl_seconds: 60\n", "review.levels"},
		{"sample rate above one", "workflow:\n  id: wf-1\nreview:\n  audit_sample_rate: 1.5\nleases:\n  ttl_seconds: 60\n", "audit_sample_rate"},
		{"zero ttl", "workflow:\n  id: wf-1\nleases:\n  ttl_seconds: 0\n", "ttl_seconds"},
		{"threshold above one", "workflow:\n  id: wf-1\nleases:\n  ttl_seconds: 60\nquality:\n  threshold: 2\n", "threshold"},
		{"notifier without url", "workflow:\n  id: wf-1\nleases:\n  ttl_seconds: 60\nnotifiers:\n  - name: hook\n", "empty url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadRoundTrip(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "crowdline.yml"), []byte(GenerateDefault("wf-load")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workflow.ID != "wf-load" {
		t.Fatalf("expected wf-load, got %q", cfg.Workflow.ID)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config for a missing file, got %+v", cfg)
	}
}
