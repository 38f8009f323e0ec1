package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keybroker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// TestLoadFrom tests loading from env and file with env precedence
func TestLoadFrom(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		file        string
		wantErr     bool
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults with no env and no file",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7441, cfg.Server.Port)
				assert.Equal(t, "127.0.0.1", cfg.Server.Host)
				assert.Equal(t, DefaultScheme, cfg.Exchange.Scheme)
				assert.Equal(t, DefaultIndexFile, cfg.Storage.IndexFile)
				assert.Equal(t, 15*time.Second, cfg.Exchange.CertificateTimeout)
				assert.False(t, cfg.Exchange.ReadOnlyCache)
				assert.NotEmpty(t, cfg.Storage.Root)
			},
		},
		{
			name: "environment overrides",
			env: map[string]string{
				"KEYBROKER_SERVER_PORT":             "9090",
				"KEYBROKER_EXCHANGE_SCHEME":         "SKD",
				"KEYBROKER_EXCHANGE_READ_ONLY_CACHE": "true",
				"KEYBROKER_DRM_HEADERS":             "X-Token:abc, X-Device:tv",
				"KEYBROKER_SERVER_ALLOWED_ORIGINS":  "https://a.example.com,https://b.example.com",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, "skd", cfg.Exchange.Scheme)
				assert.True(t, cfg.Exchange.ReadOnlyCache)
				assert.Equal(t, HeaderList{{Name: "X-Token", Value: "abc"}, {Name: "X-Device", Value: "tv"}}, cfg.DRM.Headers)
				assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
			},
		},
		{
			name: "file values replace defaults",
			file: `
server:
  port: 8000
  allowed_origins: ["https://player.example.com"]
storage:
  cache_entries: 10
exchange:
  license_timeout: 5s
drm:
  certificate_url: https://drm.example.com/cert
  license_url: https://drm.example.com/license
  headers:
    - name: X-Token
      value: abc
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8000, cfg.Server.Port)
				assert.Equal(t, []string{"https://player.example.com"}, cfg.Server.AllowedOrigins)
				assert.Equal(t, 10, cfg.Storage.CacheEntries)
				assert.Equal(t, 5*time.Second, cfg.Exchange.LicenseTimeout)
				assert.Equal(t, "https://drm.example.com/cert", cfg.DRM.CertificateURL)
				require.Len(t, cfg.DRM.Headers, 1)
				assert.Equal(t, "X-Token", cfg.DRM.Headers[0].Name)
			},
		},
		{
			name: "environment wins over file",
			env:  map[string]string{"KEYBROKER_SERVER_PORT": "9100"},
			file: "server:\n  port: 8000\n",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9100, cfg.Server.Port)
			},
		},
		{
			name:    "invalid yaml",
			file:    "server: [unclosed",
			wantErr: true,
		},
		{
			name:    "invalid port",
			env:     map[string]string{"KEYBROKER_SERVER_PORT": "70000"},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			env:     map[string]string{"KEYBROKER_LOGGING_LEVEL": "verbose"},
			wantErr: true,
		},
		{
			name:    "invalid drm url",
			env:     map[string]string{"KEYBROKER_DRM_LICENSE_URL": "not a url"},
			wantErr: true,
		},
		{
			name:    "malformed header",
			env:     map[string]string{"KEYBROKER_DRM_HEADERS": "missing-colon"},
			wantErr: true,
		},
		{
			name:    "index file with directory",
			env:     map[string]string{"KEYBROKER_STORAGE_INDEX_FILE": "../keys.json"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvPrefix+"_DATA_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := ""
			if tt.file != "" {
				path = writeConfigFile(t, tt.file)
			}

			cfg, err := LoadFrom(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.validateCfg != nil {
				tt.validateCfg(t, cfg)
			}
		})
	}
}

func TestLoadFromMissingFileUsesEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"_DATA_DIR", t.TempDir())
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7441, cfg.Server.Port)
}

func TestStorageRootResolution(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv(EnvPrefix+"_DATA_DIR", dataDir)

	cfg, err := LoadFrom("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataDir, DefaultKeysDirName), cfg.Storage.Root)

	explicit := t.TempDir()
	t.Setenv(EnvPrefix+"_STORAGE_ROOT", explicit)
	cfg, err = LoadFrom("")
	require.NoError(t, err)
	assert.Equal(t, explicit, cfg.Storage.Root)
}

func TestLoadUsesConfigEnvVar(t *testing.T) {
	t.Setenv(EnvPrefix+"_DATA_DIR", t.TempDir())
	t.Setenv(EnvPrefix+"_CONFIG", writeConfigFile(t, "server:\n  port: 8123\n"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.Server.Port)
}

func TestHeaderListDecode(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    HeaderList
		wantErr bool
	}{
		{name: "empty", value: "", want: nil},
		{name: "single", value: "X-A:1", want: HeaderList{{Name: "X-A", Value: "1"}}},
		{name: "keeps order and trims", value: " X-B : 2 ,X-A:1,", want: HeaderList{{Name: "X-B", Value: "2"}, {Name: "X-A", Value: "1"}}},
		{name: "value with colon", value: "Authorization:Bearer a:b", want: HeaderList{{Name: "Authorization", Value: "Bearer a:b"}}},
		{name: "missing colon", value: "X-A", wantErr: true},
		{name: "empty name", value: ":value", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h HeaderList
			err := h.Decode(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, h)
		})
	}
}

func TestMergeConfigs(t *testing.T) {
	env := *Default()
	file := Config{
		Server:   ServerConfig{Port: 8000, Host: "0.0.0.0"},
		Exchange: ExchangeConfig{MaxConcurrent: 2, ReadOnlyCache: true},
		Storage:  StorageConfig{SealingPassphrase: "secret"},
	}

	merged := mergeConfigs(file, env)
	assert.Equal(t, 8000, merged.Server.Port)
	assert.Equal(t, "0.0.0.0", merged.Server.Host)
	assert.Equal(t, int64(2), merged.Exchange.MaxConcurrent)
	assert.True(t, merged.Exchange.ReadOnlyCache)
	assert.Equal(t, "secret", merged.Storage.SealingPassphrase)
	assert.Equal(t, Default().Server.ReadTimeout, merged.Server.ReadTimeout)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Storage.Root = t.TempDir()
	require.NoError(t, cfg.validate())
	assert.Equal(t, "127.0.0.1:7441", cfg.Server.Addr())
}

func TestValidateTimeouts(t *testing.T) {
	cfg := Default()
	cfg.Exchange.CertificateTimeout = 0
	assert.Error(t, cfg.validate())

	cfg = Default()
	cfg.Exchange.LicenseTimeout = -time.Second
	assert.Error(t, cfg.validate())
}
