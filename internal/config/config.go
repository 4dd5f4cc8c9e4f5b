package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr   string `yaml:"addr"`
		Domain string `yaml:"domain"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Signing struct {
		WIF      string `yaml:"wif"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"signing"`
	Cluster struct {
		Endpoints     []string `yaml:"endpoints"`
		Quorum        int      `yaml:"quorum"`
		FailThreshold int      `yaml:"fail_threshold"`
	} `yaml:"cluster"`
	Rates struct {
		RefreshSeconds int64  `yaml:"refresh_seconds"`
		BaseCurrency   string `yaml:"base_currency"`
	} `yaml:"rates"`
	Invoices struct {
		Network       string `yaml:"network"`
		ExpirySeconds int64  `yaml:"expiry_seconds"`
		PaidMemo      string `yaml:"paid_memo"`
	} `yaml:"invoices"`
	APIKeys []string `yaml:"api_keys"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.Server.Domain == "" {
		return nil, errors.New("server.domain is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.Signing.WIF == "" {
		return nil, errors.New("signing.wif is required")
	}
	if len(cfg.Cluster.Endpoints) == 0 {
		return nil, errors.New("cluster.endpoints is required")
	}
	if cfg.Cluster.Quorum < 1 || cfg.Cluster.Quorum > len(cfg.Cluster.Endpoints) {
		return nil, errors.New("cluster.quorum must be between 1 and the endpoint count")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Rates.RefreshSeconds <= 0 {
		cfg.Rates.RefreshSeconds = 300
	}
	if cfg.Rates.BaseCurrency == "" {
		cfg.Rates.BaseCurrency = "USD"
	}
	if cfg.Invoices.Network == "" {
		cfg.Invoices.Network = "main"
	}
	if cfg.Invoices.ExpirySeconds <= 0 {
		cfg.Invoices.ExpirySeconds = 15 * 60
	}
	if cfg.Cluster.FailThreshold <= 0 {
		cfg.Cluster.FailThreshold = 3
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SERVER_DOMAIN"); v != "" {
		cfg.Server.Domain = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("SIGNING_WIF"); v != "" {
		cfg.Signing.WIF = v
	}
	if v := os.Getenv("SIGNING_CERT_FILE"); v != "" {
		cfg.Signing.CertFile = v
	}
	if v := os.Getenv("SIGNING_KEY_FILE"); v != "" {
		cfg.Signing.KeyFile = v
	}
	if v := os.Getenv("CLUSTER_ENDPOINTS"); v != "" {
		cfg.Cluster.Endpoints = splitCommaList(v)
	}
	if v := os.Getenv("CLUSTER_QUORUM"); v != "" {
		cfg.Cluster.Quorum = atoiOr(cfg.Cluster.Quorum, v)
	}
	if v := os.Getenv("CLUSTER_FAIL_THRESHOLD"); v != "" {
		cfg.Cluster.FailThreshold = atoiOr(cfg.Cluster.FailThreshold, v)
	}
	if v := os.Getenv("RATES_REFRESH_SECONDS"); v != "" {
		cfg.Rates.RefreshSeconds = atoi64Or(cfg.Rates.RefreshSeconds, v)
	}
	if v := os.Getenv("RATES_BASE_CURRENCY"); v != "" {
		cfg.Rates.BaseCurrency = v
	}
	if v := os.Getenv("INVOICE_NETWORK"); v != "" {
		cfg.Invoices.Network = v
	}
	if v := os.Getenv("INVOICE_EXPIRY_SECONDS"); v != "" {
		cfg.Invoices.ExpirySeconds = atoi64Or(cfg.Invoices.ExpirySeconds, v)
	}
	if v := os.Getenv("INVOICE_PAID_MEMO"); v != "" {
		cfg.Invoices.PaidMemo = v
	}
	if v := os.Getenv("API_KEYS"); v != "" {
		cfg.APIKeys = splitCommaList(v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
