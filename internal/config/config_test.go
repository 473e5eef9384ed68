package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != "redis" {
		t.Errorf("Store = %q, want redis", cfg.Store)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.NATSURL != "nats://localhost:4222" {
		t.Errorf("NATSURL = %q", cfg.NATSURL)
	}
	if len(cfg.STUNServers) != 2 {
		t.Errorf("STUNServers = %v, want two defaults", cfg.STUNServers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DRIFT_STORE", "firestore")
	t.Setenv("FIRESTORE_PROJECT", "drift-test")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("STUN_SERVERS", "stun:stun.example.com:3478")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != "firestore" {
		t.Errorf("Store = %q, want firestore", cfg.Store)
	}
	if cfg.FirestoreProject != "drift-test" {
		t.Errorf("FirestoreProject = %q", cfg.FirestoreProject)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if len(cfg.STUNServers) != 1 || cfg.STUNServers[0] != "stun:stun.example.com:3478" {
		t.Errorf("STUNServers = %v", cfg.STUNServers)
	}
}
