package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"bridge-sequencer/internal/testutil"
)

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	withWorkingDir(t, sb.Root, func() {
		viper.Reset()
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.QueueCapacity != 50000 {
			t.Fatalf("expected the default queue capacity, got %d", cfg.QueueCapacity)
		}
		if cfg.HeartbeatMS != 50 {
			t.Fatalf("expected the default heartbeat, got %d", cfg.HeartbeatMS)
		}
	})
}

func TestLoadMergesConfigFileOverDefaults(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	yaml := []byte("node_id: node-a\nqueue_capacity: 12345\n")
	if err := os.WriteFile(sb.Path("config/default.yaml"), yaml, 0600); err != nil {
		t.Fatalf("write default.yaml: %v", err)
	}

	withWorkingDir(t, sb.Root, func() {
		viper.Reset()
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.NodeID != "node-a" {
			t.Fatalf("expected node_id from the config file, got %q", cfg.NodeID)
		}
		if cfg.QueueCapacity != 12345 {
			t.Fatalf("expected queue_capacity overridden by the config file, got %d", cfg.QueueCapacity)
		}
		if cfg.HeartbeatMS != 50 {
			t.Fatalf("expected unset keys to keep their default, got %d", cfg.HeartbeatMS)
		}
	})
}

func TestConfigDurationHelpers(t *testing.T) {
	cfg := &Config{ElectionTimeoutMinMS: 150, ElectionTimeoutMaxMS: 300, HeartbeatMS: 50}
	if cfg.ElectionTimeoutMin().Milliseconds() != 150 {
		t.Fatal("ElectionTimeoutMin did not convert correctly")
	}
	if cfg.ElectionTimeoutMax().Milliseconds() != 300 {
		t.Fatal("ElectionTimeoutMax did not convert correctly")
	}
	if cfg.Heartbeat().Milliseconds() != 50 {
		t.Fatal("Heartbeat did not convert correctly")
	}
}

// withWorkingDir runs fn with the process working directory set to dir,
// restoring the original directory afterward. Load resolves its config
// paths relative to the working directory, so tests that exercise file
// discovery need an isolated one.
func withWorkingDir(t *testing.T, dir string, fn func()) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore Chdir: %v", err)
		}
	}()
	fn()
}
