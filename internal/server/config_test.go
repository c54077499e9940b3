package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if config.Server.Port != 8080 {
		t.Fatalf("default port = %d", config.Server.Port)
	}
	if config.IdleTTL() != time.Hour {
		t.Fatalf("default idle ttl = %v", config.IdleTTL())
	}
	if config.MatchInterval() != 2*time.Second {
		t.Fatalf("default matchmake interval = %v", config.MatchInterval())
	}
	if config.SweepInterval() != 30*time.Second {
		t.Fatalf("default sweep interval = %v", config.SweepInterval())
	}
	if config.Redis != nil || config.MongoDB != nil || config.NSQ != nil {
		t.Fatalf("peripheral stores must default to disabled")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("IDLE_ROOM_TTL_SECONDS", "120")
	t.Setenv("MATCHMAKE_INTERVAL_MS", "500")
	t.Setenv("ROOM_SWEEP_INTERVAL_MS", "1000")

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.Server.Port != 9090 {
		t.Fatalf("PORT override ignored: %d", config.Server.Port)
	}
	if config.IdleTTL() != 2*time.Minute {
		t.Fatalf("ttl override ignored: %v", config.IdleTTL())
	}
	if config.MatchInterval() != 500*time.Millisecond {
		t.Fatalf("interval override ignored: %v", config.MatchInterval())
	}
	if config.SweepInterval() != time.Second {
		t.Fatalf("sweep override ignored: %v", config.SweepInterval())
	}
}

func TestLoadConfigFromYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  name: test-hub
  port: 7000
rooms:
  idle_ttl_seconds: 60
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.Server.Name != "test-hub" || config.Server.Port != 7000 {
		t.Fatalf("yaml values ignored: %+v", config.Server)
	}
	if config.Rooms.IdleTTLSeconds != 60 {
		t.Fatalf("nested yaml value ignored")
	}
	// 未覆盖的键保持默认
	if config.Matchmaking.IntervalMS != 2000 {
		t.Fatalf("defaults lost when loading yaml")
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "99999")
	if _, err := LoadConfig(""); err == nil {
		t.Fatalf("expected invalid port error")
	}
}
