package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"crewline/internal/config"
)

func TestOpenWiresServices(t *testing.T) {
	cfg := config.Default()
	cfg.Workspace = t.TempDir()
	a, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Sessions == nil || a.Pull == nil || a.Registry == nil {
		t.Fatalf("services not wired: %+v", a)
	}
	if _, err := a.Engine.InitProject(context.Background(), "proj-1", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if _, ok := a.Registry.Lookup("get_my_task"); !ok {
		t.Fatalf("registry missing get_my_task")
	}
}

func TestSessionSecretIsStableAcrossOpens(t *testing.T) {
	cfg := config.Default()
	cfg.Workspace = t.TempDir()
	first, err := sessionSecret(cfg)
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	second, err := sessionSecret(cfg)
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	if first == "" || first != second {
		t.Fatalf("secrets differ: %q %q", first, second)
	}
	info, err := os.Stat(filepath.Join(cfg.Workspace, ".crewline", secretFile))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key mode = %v", info.Mode().Perm())
	}

	cfg.Sessions.JWTSecret = "configured"
	got, _ := sessionSecret(cfg)
	if got != "configured" {
		t.Fatalf("configured secret ignored: %q", got)
	}
}

func TestUnknownAdmissionBackend(t *testing.T) {
	if _, err := newLocker(config.AdmissionConfig{Backend: "zookeeper"}); err == nil {
		t.Fatalf("expected error")
	}
	l, err := newLocker(config.AdmissionConfig{})
	if err != nil || l == nil {
		t.Fatalf("local locker: %v", err)
	}
}
