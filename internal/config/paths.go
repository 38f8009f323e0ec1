package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains the resolved on-disk locations used by the broker
type Paths struct {
	DataDir string
	KeysDir string
	LogsDir string
}

// GetPaths resolves the private storage area. KEYBROKER_DATA_DIR overrides
// the per-user configuration directory.
func GetPaths() (*Paths, error) {
	dataDir := os.Getenv(EnvPrefix + "_DATA_DIR")
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user config dir: %w", err)
		}
		dataDir = filepath.Join(base, AppName)
	}

	dataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}

	return &Paths{
		DataDir: dataDir,
		KeysDir: filepath.Join(dataDir, DefaultKeysDirName),
		LogsDir: filepath.Join(dataDir, "logs"),
	}, nil
}

// EnsureDirectories creates all directories with private permissions
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.DataDir, p.KeysDir, p.LogsDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogPathResolution logs the resolved paths for debugging
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	logger.Info("Resolved storage paths",
		slog.String("data_dir", p.DataDir),
		slog.String("keys_dir", p.KeysDir),
		slog.String("logs_dir", p.LogsDir))
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
