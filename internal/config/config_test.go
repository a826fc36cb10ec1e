package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Database.Driver != "sqlite" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Backup.Dir != "backups" || cfg.Backup.AutoKeep != 10 {
		t.Fatalf("unexpected backup defaults: %+v", cfg.Backup)
	}
	if cfg.Authority.Timeout != 15*time.Second || cfg.KafkaEnabled() {
		t.Fatalf("unexpected authority defaults: %+v", cfg.Authority)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "scriptgate.yaml")
	body := `
http:
  addr: ":9090"
database:
  driver: pgx
  dsn: postgres://localhost/scriptgate
authority:
  target: authority:9443
  api_key: from-file
  timeout: 3s
backup:
  auto_keep: 4
`
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SCRIPTGATE_AUTHORITY_API_KEY", "from-env")
	t.Setenv("SCRIPTGATE_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Database.Driver != "pgx" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Authority.APIKey != "from-env" || cfg.Authority.Timeout != 3*time.Second {
		t.Fatalf("env must override file: %+v", cfg.Authority)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" || !cfg.KafkaEnabled() {
		t.Fatalf("brokers: %v", cfg.Kafka.Brokers)
	}
	if cfg.Backup.AutoKeep != 4 {
		t.Fatalf("auto keep: %d", cfg.Backup.AutoKeep)
	}
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCRIPTGATE_DATABASE_DRIVER", "mysql")
	if _, err := Load(""); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	t.Setenv("SCRIPTGATE_DATABASE_DRIVER", "sqlite")
	t.Setenv("SCRIPTGATE_AUTHORITY_TARGET", "authority:9443")
	if _, err := Load(""); err == nil {
		t.Fatal("expected missing api key error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("explicit config file must exist")
	}
}
