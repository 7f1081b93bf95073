package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionDefault(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestRun_exitCodes(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "dukanx.yaml")
	if err := os.WriteFile(cfg, []byte("data_dir: "+filepath.Join(dir, "data")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"version", []string{"--version"}, 0},
		{"prune", []string{"--config", cfg, "prune"}, 0},
		{"unknown command", []string{"frobnicate"}, 1},
		{"invalid payload", []string{"--config", cfg, "enqueue", "--collection", "products", "--id", "p", "--version", "1", "--payload", "{}"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}
