// Package profile holds the worker process's runtime configuration.
package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration used to start a taskworker process.
type Profile struct {
	Mode        string // "dev", "demo", or "prod"
	Addr        string
	Port        int
	UnixSock    string
	Data        string // data directory, holds the snapshot store
	Driver      string // snapshot store driver: currently only "sqlite"
	DSN         string
	InstanceURL string
	Version     string

	// MaxWorkerThreads bounds the QuantumExecutor's goroutine pool.
	// Zero means "use runtime.NumCPU()".
	MaxWorkerThreads int

	// TaskQuantum is the wall-clock budget passed to Driver.processFor on
	// each dispatch.
	TaskQuantum time.Duration

	// MaxBufferSize bounds a task's SharedOutputBuffer, in bytes.
	MaxBufferSize int64

	// JWTSigningKey authenticates coordinator calls to the HTTP control
	// surface. Empty disables authentication (dev only).
	JWTSigningKey string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAuthEnabled returns true if the HTTP control surface should require a
// bearer token.
func (p *Profile) IsAuthEnabled() bool {
	return p.JWTSigningKey != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// FromEnv loads the pool size, quantum, buffer limit and signing key
// directly from their TASKWORKER_* environment variables, without going
// through viper.
func (p *Profile) FromEnv() {
	p.MaxWorkerThreads = getEnvOrDefaultInt("TASKWORKER_MAX_WORKER_THREADS", runtime.NumCPU())
	p.TaskQuantum = getEnvOrDefaultDuration("TASKWORKER_TASK_QUANTUM", time.Second)
	p.MaxBufferSize = int64(getEnvOrDefaultInt("TASKWORKER_MAX_BUFFER_BYTES", 32<<20))
	p.JWTSigningKey = getEnvOrDefault("TASKWORKER_JWT_SIGNING_KEY", "")
}

func checkDataDir(dataDir string) (string, error) {
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes Mode, resolves the data directory, and derives a
// default sqlite DSN for the snapshot store when one wasn't supplied.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "taskworker")
		} else {
			p.Data = "/var/opt/taskworker"
		}
		if _, err := os.Stat(p.Data); os.IsNotExist(err) {
			if err := os.MkdirAll(p.Data, 0o770); err != nil {
				slog.Error("failed to create data directory", "data", p.Data, "error", err)
				return err
			}
		}
	}

	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to resolve data directory", "data", p.Data, "error", err)
		return err
	}
	p.Data = dataDir

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(dataDir, fmt.Sprintf("taskworker_%s.db", p.Mode))
	}

	if p.TaskQuantum <= 0 {
		p.TaskQuantum = time.Second
	}
	if p.MaxWorkerThreads <= 0 {
		p.MaxWorkerThreads = runtime.NumCPU()
	}

	return nil
}
