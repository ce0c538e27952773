package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "HITCHHIKING_CONFIG"
	envCensysAPIID    = "CENSYS_API_ID"
	envCensysSecret   = "CENSYS_API_SECRET"
	DefaultConfigPath = "/etc/hitchhiking/collector.yaml"
)

const (
	SourceCensys   = "censys"
	SourceBigQuery = "bigquery"

	ExportFile     = "file"
	ExportBigQuery = "bigquery"
	ExportPostgres = "postgres"
)

type Config struct {
	Collector CollectorConfig `yaml:"collector"`
	Target    TargetConfig    `yaml:"target"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Scamper   ScamperConfig   `yaml:"scamper"`
	Ping      PingConfig      `yaml:"ping"`
	Export    ExportConfig    `yaml:"export"`
}

type CollectorConfig struct {
	DataDir string `yaml:"data_dir"`
	WorkDir string `yaml:"work_dir"`
	Label   string `yaml:"label"`
}

type TargetConfig struct {
	ASN       int64 `yaml:"asn"`
	IPVersion int   `yaml:"ip_version"`
}

type DiscoveryConfig struct {
	Source         string  `yaml:"source"`
	APIURL         string  `yaml:"api_url"`
	APIID          string  `yaml:"api_id"`
	APISecret      string  `yaml:"api_secret"`
	PerPage        int     `yaml:"per_page"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	// MaxRetries is nil when unset; an explicit 0 disables retries.
	MaxRetries     *int    `yaml:"max_retries"`
	BigQueryTable  string  `yaml:"bigquery_table"`
	Project        string  `yaml:"project"`
	ClassifyMatch  string  `yaml:"classify_match"`
	CertCacheSize  int     `yaml:"cert_cache_size"`
}

type ScamperConfig struct {
	Binary    string   `yaml:"binary"`
	Method    string   `yaml:"method"`
	Attempts  int      `yaml:"attempts"`
	ExtraArgs []string `yaml:"extra_args"`
}

type PingConfig struct {
	Count        int           `yaml:"count"`
	Interval     time.Duration `yaml:"interval"`
	RoundTimeout time.Duration `yaml:"round_timeout"`
}

type ExportConfig struct {
	Mode     string         `yaml:"mode"`
	BigQuery BigQueryConfig `yaml:"bigquery"`
	Postgres PostgresConfig `yaml:"postgres"`
	Tables   TableConfig    `yaml:"tables"`
}

type BigQueryConfig struct {
	Project string `yaml:"project"`
	Dataset string `yaml:"dataset"`
}

type PostgresConfig struct {
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
}

type TableConfig struct {
	ExposedServices string `yaml:"exposed_services"`
	LastHopPings    string `yaml:"last_hop_pings"`
	SecLastHopPings string `yaml:"sec_last_hop_pings"`
}

func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}
	return cfg, nil
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

// ApplyDefaults fills unset fields and pulls Censys credentials from the
// environment when the file leaves them empty.
func (c *Config) ApplyDefaults() {
	if c.Collector.DataDir == "" {
		c.Collector.DataDir = "."
	}
	if c.Collector.WorkDir == "" {
		c.Collector.WorkDir = os.TempDir()
	}

	d := &c.Discovery
	if d.Source == "" {
		d.Source = SourceCensys
	}
	if d.APIURL == "" {
		d.APIURL = "https://search.censys.io"
	}
	if d.APIID == "" {
		d.APIID = os.Getenv(envCensysAPIID)
	}
	if d.APISecret == "" {
		d.APISecret = os.Getenv(envCensysSecret)
	}
	if d.PerPage <= 0 {
		d.PerPage = 100
	}
	if d.RequestsPerSec <= 0 {
		d.RequestsPerSec = 1
	}
	if d.MaxRetries == nil {
		retries := 5
		d.MaxRetries = &retries
	}
	if d.CertCacheSize <= 0 {
		d.CertCacheSize = 4096
	}

	if c.Scamper.Binary == "" {
		c.Scamper.Binary = "scamper"
	}
	if c.Scamper.Method == "" {
		c.Scamper.Method = "icmp-paris"
	}
	if c.Scamper.Attempts <= 0 {
		c.Scamper.Attempts = 1
	}

	if c.Ping.Count <= 0 {
		c.Ping.Count = 5
	}
	if c.Ping.Interval <= 0 {
		c.Ping.Interval = time.Second
	}

	if c.Export.Mode == "" {
		c.Export.Mode = ExportFile
	}
	t := &c.Export.Tables
	if t.ExposedServices == "" {
		t.ExposedServices = "exposed_services"
	}
	if t.LastHopPings == "" {
		t.LastHopPings = "endpoint_pings"
	}
	if t.SecLastHopPings == "" {
		t.SecLastHopPings = "sec_last_pings"
	}
}

// RetryLimit returns the configured retry count, or 0 when none is set.
func (d DiscoveryConfig) RetryLimit() int {
	if d.MaxRetries == nil {
		return 0
	}
	return *d.MaxRetries
}

func (c Config) Validate() error {
	if c.Target.ASN <= 0 {
		return fmt.Errorf("target asn must be positive")
	}
	switch c.Target.IPVersion {
	case 0, 4, 6:
	default:
		return fmt.Errorf("target ip_version must be 4, 6 or unset, got %d", c.Target.IPVersion)
	}
	if c.Discovery.MaxRetries != nil && *c.Discovery.MaxRetries < 0 {
		return fmt.Errorf("discovery max_retries must not be negative")
	}
	switch strings.ToLower(c.Discovery.Source) {
	case SourceCensys:
	case SourceBigQuery:
		if c.Discovery.BigQueryTable == "" {
			return fmt.Errorf("discovery bigquery_table is required for the bigquery source")
		}
	default:
		return fmt.Errorf("unknown discovery source %q", c.Discovery.Source)
	}
	switch strings.ToLower(c.Export.Mode) {
	case ExportFile:
	case ExportBigQuery:
		if c.Export.BigQuery.Dataset == "" {
			return fmt.Errorf("export bigquery dataset is required")
		}
	case ExportPostgres:
		if c.Export.Postgres.DSN == "" {
			return fmt.Errorf("export postgres dsn is required")
		}
	default:
		return fmt.Errorf("unknown export mode %q", c.Export.Mode)
	}
	return nil
}
