// Package config loads the flat key-value configuration document spec.md
// §6.6 enumerates, following the teacher's own config.go shape: a YAML
// struct, LoadConfig(path), and a Validate() that defaults and normalizes in
// place (including migrating the legacy comma-separated incoming_dirs string
// into a slice, the way the teacher migrates TopicPrefixes into Instances).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

func defaultReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Config is the full configuration surface shared by all three services. A
// given service only reads the sections it needs; unused sections are
// simply left at their zero value.
type Config struct {
	Database Database `yaml:"database"`

	// Scraper
	Upstream          Upstream      `yaml:"upstream"`
	FetchInterval     time.Duration `yaml:"fetch_interval"`
	CacheDir          string        `yaml:"cache_dir"`
	SessionFile       string        `yaml:"session_file"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	ReplayEveryCycles int           `yaml:"replay_every_cycles"`

	// Server (archive ingester)
	IncomingDirsRaw string   `yaml:"incoming_dirs"`
	IncomingDirs    []string `yaml:"-"`
	ExtractionDir   string   `yaml:"extraction_dir"`
	LoopInterval    time.Duration `yaml:"loop_interval"`
	Workers         int      `yaml:"workers"`

	// Reflector
	Reflector Reflector `yaml:"reflector"`

	// Database insert tuning
	BatchSize int `yaml:"batch_size"`
	RetryMax  int `yaml:"retry_max"`

	// Logging
	Verbosity int    `yaml:"verbosity"`
	LogFile   string `yaml:"log_file"`
	LogMaxMB  int    `yaml:"log_max_mb"`

	// MetricsAddr, if set, serves Prometheus metrics (ambient — SPEC_FULL.md §A.7).
	MetricsAddr string `yaml:"metrics_addr"`
}

// Database holds the ClickHouse connection parameters.
type Database struct {
	Host     string `yaml:"db_host"`
	Port     int    `yaml:"db_port"`
	User     string `yaml:"db_user"`
	Password string `yaml:"db_password"`
	Name     string `yaml:"db_name"`
}

// Upstream holds the WSPRNET aggregator credentials and endpoints.
type Upstream struct {
	Username    string `yaml:"upstream_username"`
	Password    string `yaml:"upstream_password"`
	BaseURL     string `yaml:"upstream_base_url"`
	DownloadURL string `yaml:"upstream_download_url"`
}

// Reflector holds the reflector's destination fan-out configuration.
type Reflector struct {
	IncomingGlob       string        `yaml:"incoming_glob"`
	SpoolBaseDir       string        `yaml:"spool_base_dir"`
	Destinations       []Destination `yaml:"destinations"`
	ScanInterval       time.Duration `yaml:"scan_interval"`
	TransferInterval   time.Duration `yaml:"transfer_interval"`
	BandwidthLimitKbps int           `yaml:"bandwidth_limit_kbps"`
	TransferTimeoutS   int           `yaml:"transfer_timeout_s"`
	RetryMax           int           `yaml:"retry_max"`
}

// Destination is one reflector mirror target.
type Destination struct {
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Host     string `yaml:"host"`
	Path     string `yaml:"path"`
	Backend  string `yaml:"backend"` // "rsync" (default) or "sftp"
	SSHKey   string `yaml:"ssh_key"`
}

// Load reads and parses a YAML config document from path.
func Load(path string) (*Config, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, wsprerr.MarkFatalConfig(wsprerr.Wrapf(err, "config: read %s", path))
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, wsprerr.MarkFatalConfig(wsprerr.Wrapf(err, "config: parse %s", path))
	}
	return &c, nil
}

var readFile = defaultReadFile

// Validate normalizes defaults and legacy fields, and rejects configurations
// spec.md §7 classifies as FatalConfig.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return wsprerr.MarkFatalConfig(wsprerr.New("config: db_host is required"))
	}
	if c.Database.Port == 0 {
		c.Database.Port = 9000
	}
	if c.Database.Name == "" {
		c.Database.Name = "wspr"
	}

	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://wsprnet.org"
	}
	if c.Upstream.DownloadURL == "" {
		c.Upstream.DownloadURL = c.Upstream.BaseURL + "/drupal/wsprnet/spotquery"
	}
	if c.FetchInterval == 0 {
		c.FetchInterval = 20 * time.Second
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 6 * time.Hour
	}
	if c.ReplayEveryCycles <= 0 {
		c.ReplayEveryCycles = 5
	}
	if c.CacheDir == "" {
		c.CacheDir = "./cache"
	}
	if c.SessionFile == "" {
		c.SessionFile = "./session.json"
	}

	if c.IncomingDirsRaw != "" {
		for _, d := range strings.Split(c.IncomingDirsRaw, ",") {
			d = strings.TrimSpace(d)
			if d != "" {
				c.IncomingDirs = append(c.IncomingDirs, d)
			}
		}
	}
	if c.ExtractionDir == "" {
		c.ExtractionDir = "./extraction"
	}
	if c.LoopInterval == 0 {
		c.LoopInterval = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Workers > 4 {
		c.Workers = 4
	}

	if c.BatchSize <= 0 {
		c.BatchSize = 10000
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}

	if err := c.Reflector.validate(); err != nil {
		return err
	}

	if c.Verbosity < 0 || c.Verbosity > 3 {
		c.Verbosity = 2
	}

	return nil
}

func (r *Reflector) validate() error {
	if len(r.Destinations) == 0 {
		return nil // reflector not configured for this service instance
	}
	if r.IncomingGlob == "" {
		return wsprerr.MarkFatalConfig(wsprerr.New("config: reflector.incoming_glob is required"))
	}
	if r.SpoolBaseDir == "" {
		return wsprerr.MarkFatalConfig(wsprerr.New("config: reflector.spool_base_dir is required"))
	}
	if r.ScanInterval == 0 {
		r.ScanInterval = 10 * time.Second
	}
	if r.TransferInterval == 0 {
		r.TransferInterval = 5 * time.Second
	}
	if r.TransferTimeoutS <= 0 {
		r.TransferTimeoutS = 300
	}
	if r.RetryMax <= 0 {
		r.RetryMax = 5
	}
	for i, d := range r.Destinations {
		if d.Name == "" {
			return wsprerr.MarkFatalConfig(wsprerr.Newf("config: reflector.destinations[%d]: name is required", i))
		}
		if d.Backend == "" {
			d.Backend = "rsync"
			r.Destinations[i].Backend = d.Backend
		}
		if d.Backend != "rsync" && d.Backend != "sftp" {
			return wsprerr.MarkFatalConfig(wsprerr.Newf("config: reflector.destinations[%d]: unknown backend %q", i, d.Backend))
		}
	}
	return nil
}

func (d Database) DSN() string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}
