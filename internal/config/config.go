// Package config содержит логику чтения конфигурации сервиса printhub.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса printhub.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	SpoolerAddress string `env:"SPOOLER_ADDRESS"`
	// Printers — список имён принтеров, обслуживаемых спулером,
	// через запятую.
	Printers string `env:"PRINTERS"`
	// OutboxHorizon — срок хранения задания в очереди по умолчанию.
	OutboxHorizon time.Duration `env:"OUTBOX_HORIZON"`
	// SyncInterval — период фоновой сверки со спулером.
	SyncInterval time.Duration `env:"SYNC_INTERVAL"`
	// BreakerThreshold — число подряд идущих отказов спулера,
	// после которого предохранитель размыкается.
	BreakerThreshold int `env:"BREAKER_THRESHOLD"`
	// BreakerTimeout — пауза до пробного запроса после размыкания.
	BreakerTimeout time.Duration `env:"BREAKER_TIMEOUT"`
	// SheetCost — стоимость одного листа в базовой валюте.
	SheetCost string `env:"SHEET_COST"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSpoolerAddress := cfg.SpoolerAddress
	envPrinters := cfg.Printers
	envOutboxHorizon := cfg.OutboxHorizon
	envSyncInterval := cfg.SyncInterval
	envBreakerThreshold := cfg.BreakerThreshold
	envBreakerTimeout := cfg.BreakerTimeout
	envSheetCost := cfg.SheetCost

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SpoolerAddress, "r", "", "print spooler address")
	flag.StringVar(&cfg.Printers, "p", "", "comma-separated printer names")
	flag.DurationVar(&cfg.OutboxHorizon, "horizon", time.Hour, "outbox job retention horizon")
	flag.DurationVar(&cfg.SyncInterval, "sync", 5*time.Second, "spooler sync interval")
	flag.IntVar(&cfg.BreakerThreshold, "breaker-threshold", 5, "spooler failures before the breaker opens")
	flag.DurationVar(&cfg.BreakerTimeout, "breaker-timeout", 30*time.Second, "breaker open timeout before a trial call")
	flag.StringVar(&cfg.SheetCost, "sheet-cost", "0.05", "cost of one printed sheet")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSpoolerAddress != "" {
		cfg.SpoolerAddress = envSpoolerAddress
	}
	if envPrinters != "" {
		cfg.Printers = envPrinters
	}
	if envOutboxHorizon != 0 {
		cfg.OutboxHorizon = envOutboxHorizon
	}
	if envSyncInterval != 0 {
		cfg.SyncInterval = envSyncInterval
	}
	if envBreakerThreshold != 0 {
		cfg.BreakerThreshold = envBreakerThreshold
	}
	if envBreakerTimeout != 0 {
		cfg.BreakerTimeout = envBreakerTimeout
	}
	if envSheetCost != "" {
		cfg.SheetCost = envSheetCost
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// PrinterNames возвращает список имён принтеров из конфигурации.
func (c *Config) PrinterNames() []string {
	if c.Printers == "" {
		return nil
	}

	parts := strings.Split(c.Printers, ",")
	names := parts[:0:0]
	for _, p := range parts {
		if name := strings.TrimSpace(p); name != "" {
			names = append(names, name)
		}
	}
	return names
}
