package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tradeguard/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig loads and validates the file, then runs the pre-flight checks
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight looks at the host rather than the schema. Every failure is
// reported, not just the first.
func checkPreFlight(cfg *Config) error {
	var errs []error
	if cfg.App.EngineType == "dbos" && cfg.App.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required when engine_type is 'dbos'"))
	}

	if cfg.Database.Driver != "memory" {
		errs = append(errs, checkWritableDir(filepath.Dir(cfg.Database.Path), "database.path"))
	}

	// The journal directory is created on first open, its parent must exist
	if cfg.DBBuffer.WALEnabled {
		errs = append(errs, checkWritableDir(filepath.Dir(filepath.Clean(cfg.DBBuffer.WALPath)), "db_buffer.wal_path"))
	}

	errs = append(errs, checkPorts(cfg))
	return errors.Join(errs...)
}

func checkWritableDir(dir, field string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: directory %s does not exist", field, dir)
		}
		return fmt.Errorf("%s: %w", field, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %s is not a directory", field, dir)
	}
	f, err := os.CreateTemp(dir, ".tradeguard-preflight-*")
	if err != nil {
		return fmt.Errorf("%s: directory %s is not writable: %w", field, dir, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

// checkPorts rejects two listeners configured on the same fixed port. Port 0
// means "any free port" and never collides.
func checkPorts(cfg *Config) error {
	ports := []struct {
		field string
		port  int
	}{
		{"server.status_port", cfg.Server.StatusPort},
		{"server.stream_port", cfg.Server.StreamPort},
		{"server.grpc_health_port", cfg.Server.GRPCHealthPort},
	}
	if cfg.Telemetry.EnableMetrics {
		ports = append(ports, struct {
			field string
			port  int
		}{"telemetry.metrics_port", cfg.Telemetry.MetricsPort})
	}

	seen := make(map[int]string, len(ports))
	var errs []error
	for _, p := range ports {
		if p.port == 0 {
			continue
		}
		if other, ok := seen[p.port]; ok {
			errs = append(errs, fmt.Errorf("%s: port %d already used by %s", p.field, p.port, other))
			continue
		}
		seen[p.port] = p.field
	}
	return errors.Join(errs...)
}
