package offload

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the offload server's full configuration: the spec §6
// compile-time/environment constants as an optional YAML file
// (mirroring the teacher's config.go/getConfig), each overridable by an
// environment variable of the same name and, at the cmd/offloadd entry
// point, a CLI flag.
type Config struct {
	// BaseServer is GBASESERVER: the origin hostname.
	BaseServer string `yaml:"baseServer"`
	// BaseServerPort is GBASESERVERPORT, default 80.
	BaseServerPort int `yaml:"baseServerPort"`
	// Timeout is GTIMEOUT in seconds, default 45-90.
	Timeout time.Duration `yaml:"timeout"`
	// CacheDir is GOFFLOADDIR: the cache root.
	CacheDir string `yaml:"cacheDir"`
	// MaxDupeDownloads is GMAXDUPEDOWNLOADS; 0 disables the registry.
	MaxDupeDownloads int `yaml:"maxDupeDownloads"`
	// CacheName identifies the mutex and shared-memory object names, so
	// that multiple offload-server processes sharing one CacheDir
	// cooperate on the same mutex/registry.
	CacheName string `yaml:"cacheName"`
	// UserAgent identifies this server to the origin (GSERVERSTRING).
	UserAgent string `yaml:"userAgent"`
}

// defaultConfig matches spec §6's stated defaults.
func defaultConfig() Config {
	return Config{
		BaseServerPort:   80,
		Timeout:          60 * time.Second,
		MaxDupeDownloads: 0,
		CacheName:        "offload",
		UserAgent:        "nph-offload/1.0",
	}
}

// LoadConfig reads an optional YAML file (mirroring the teacher's
// getConfig), starting from defaultConfig and layering the file's
// fields, then the process environment, over it. A missing filename is
// not an error — an all-flags, all-env deployment is a normal
// configuration.
func LoadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, err
		}
	}
	applyEnv(&config)
	return config, nil
}

func applyEnv(config *Config) {
	if v := os.Getenv("GBASESERVER"); v != "" {
		config.BaseServer = v
	}
	if v := os.Getenv("GBASESERVERPORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.BaseServerPort = port
		}
	}
	if v := os.Getenv("GTIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			config.Timeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("GOFFLOADDIR"); v != "" {
		config.CacheDir = v
	}
	if v := os.Getenv("GMAXDUPEDOWNLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.MaxDupeDownloads = n
		}
	}
	if v := os.Getenv("GOFFLOADCACHENAME"); v != "" {
		config.CacheName = v
	}
}
