package profile

import (
	"os"
	"runtime"
	"testing"
	"time"
)

func clearWorkerEnvVars() {
	for _, key := range []string{
		"TASKWORKER_MAX_WORKER_THREADS",
		"TASKWORKER_TASK_QUANTUM",
		"TASKWORKER_MAX_BUFFER_BYTES",
		"TASKWORKER_JWT_SIGNING_KEY",
	} {
		os.Unsetenv(key)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearWorkerEnvVars()

	p := &Profile{}
	p.FromEnv()

	if p.MaxWorkerThreads != runtime.NumCPU() {
		t.Errorf("MaxWorkerThreads: expected %d, got %d", runtime.NumCPU(), p.MaxWorkerThreads)
	}
	if p.TaskQuantum != time.Second {
		t.Errorf("TaskQuantum: expected 1s, got %s", p.TaskQuantum)
	}
	if p.JWTSigningKey != "" {
		t.Errorf("JWTSigningKey: expected empty, got %q", p.JWTSigningKey)
	}
	if p.IsAuthEnabled() {
		t.Error("IsAuthEnabled: expected false with no signing key")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearWorkerEnvVars()
	defer clearWorkerEnvVars()

	os.Setenv("TASKWORKER_MAX_WORKER_THREADS", "4")
	os.Setenv("TASKWORKER_TASK_QUANTUM", "500ms")
	os.Setenv("TASKWORKER_JWT_SIGNING_KEY", "secret")

	p := &Profile{}
	p.FromEnv()

	if p.MaxWorkerThreads != 4 {
		t.Errorf("MaxWorkerThreads: expected 4, got %d", p.MaxWorkerThreads)
	}
	if p.TaskQuantum != 500*time.Millisecond {
		t.Errorf("TaskQuantum: expected 500ms, got %s", p.TaskQuantum)
	}
	if !p.IsAuthEnabled() {
		t.Error("IsAuthEnabled: expected true once a signing key is set")
	}
}

func TestValidateNormalizesModeAndDSN(t *testing.T) {
	dir := t.TempDir()
	p := &Profile{Mode: "bogus", Data: dir}

	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: unexpected error: %v", err)
	}
	if p.Mode != "demo" {
		t.Errorf("Mode: expected fallback to demo, got %q", p.Mode)
	}
	if p.Driver != "sqlite" {
		t.Errorf("Driver: expected default sqlite, got %q", p.Driver)
	}
	if p.DSN == "" {
		t.Error("DSN: expected a derived sqlite DSN")
	}
}

func TestValidateRejectsMissingDataDir(t *testing.T) {
	p := &Profile{Mode: "dev", Data: "/nonexistent/path/does/not/exist"}
	if err := p.Validate(); err == nil {
		t.Error("Validate: expected error for missing data directory")
	}
}

func TestIsDev(t *testing.T) {
	if (&Profile{Mode: "prod"}).IsDev() {
		t.Error("IsDev: expected false for prod")
	}
	if !(&Profile{Mode: "dev"}).IsDev() {
		t.Error("IsDev: expected true for dev")
	}
}
