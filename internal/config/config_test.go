package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
collector:
  data_dir: /var/lib/hitchhiking
  label: starlink
target:
  asn: 14593
  ip_version: 4
discovery:
  source: censys
  per_page: 50
  classify_match: peplink
scamper:
  binary: /usr/local/bin/scamper
ping:
  count: 10
  interval: 1s
  round_timeout: 30s
export:
  mode: bigquery
  bigquery:
    project: measurement
    dataset: hitchhiking_sample
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	t.Setenv(envCensysAPIID, "id-from-env")

	cfg, err := Load(ctx, writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Target.ASN != 14593 || cfg.Target.IPVersion != 4 {
		t.Fatalf("unexpected target: %+v", cfg.Target)
	}
	if cfg.Ping.Count != 10 || cfg.Ping.Interval != time.Second || cfg.Ping.RoundTimeout != 30*time.Second {
		t.Fatalf("unexpected ping config: %+v", cfg.Ping)
	}
	if cfg.Discovery.PerPage != 50 || cfg.Discovery.ClassifyMatch != "peplink" {
		t.Fatalf("unexpected discovery config: %+v", cfg.Discovery)
	}
	if cfg.Discovery.APIID != "id-from-env" {
		t.Fatalf("expected api id from env, got %q", cfg.Discovery.APIID)
	}
	if cfg.Scamper.Method != "icmp-paris" || cfg.Scamper.Attempts != 1 {
		t.Fatalf("unexpected scamper defaults: %+v", cfg.Scamper)
	}
	if cfg.Export.Tables.LastHopPings != "endpoint_pings" || cfg.Export.Tables.SecLastHopPings != "sec_last_pings" {
		t.Fatalf("unexpected table defaults: %+v", cfg.Export.Tables)
	}
}

func TestLoadFromEnv(t *testing.T) {
	ctx := context.Background()
	t.Setenv(envConfigPath, writeConfig(t, sampleYAML))

	cfg, err := LoadFromEnv(ctx)
	if err != nil {
		t.Fatalf("LoadFromEnv returned error: %v", err)
	}

	if cfg.Collector.DataDir != "/var/lib/hitchhiking" {
		t.Fatalf("unexpected data dir: %s", cfg.Collector.DataDir)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing asn":      "target:\n  ip_version: 4\n",
		"bad ip version":   "target:\n  asn: 800\n  ip_version: 5\n",
		"negative retries": "target:\n  asn: 800\ndiscovery:\n  max_retries: -1\n",
		"bad source":       "target:\n  asn: 800\ndiscovery:\n  source: shodan\n",
		"bq without tbl":   "target:\n  asn: 800\ndiscovery:\n  source: bigquery\n",
		"pg without dsn":   "target:\n  asn: 800\nexport:\n  mode: postgres\n",
		"bad export mode":  "target:\n  asn: 800\nexport:\n  mode: s3\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(context.Background(), writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.Ping.Count != 5 || cfg.Ping.Interval != time.Second {
		t.Fatalf("unexpected ping defaults: %+v", cfg.Ping)
	}
	if cfg.Ping.RoundTimeout != 0 {
		t.Fatalf("expected unbounded round timeout by default")
	}
	if cfg.Export.Mode != ExportFile || cfg.Discovery.Source != SourceCensys {
		t.Fatalf("unexpected mode defaults: %+v %+v", cfg.Export, cfg.Discovery)
	}
	if cfg.Discovery.RetryLimit() != 5 {
		t.Fatalf("expected 5 retries by default, got %d", cfg.Discovery.RetryLimit())
	}
}

func TestLoadKeepsZeroRetries(t *testing.T) {
	body := "target:\n  asn: 14593\ndiscovery:\n  max_retries: 0\n"
	cfg, err := Load(context.Background(), writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discovery.RetryLimit() != 0 {
		t.Fatalf("expected retries disabled, got %d", cfg.Discovery.RetryLimit())
	}
}
