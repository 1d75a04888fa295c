package config

import (
	"flag"
	"os"
	"strconv"

	handlerConfig "github.com/iurnickita/bonusledger/internal/handler/config"
	ledgerConfig "github.com/iurnickita/bonusledger/internal/ledger/config"
	loggerConfig "github.com/iurnickita/bonusledger/internal/logger/config"
	storeConfig "github.com/iurnickita/bonusledger/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Ledger  ledgerConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
}

func GetConfig() Config {
	var cfg Config

	flag.StringVar(&cfg.Handler.ServerAddr, "a", ":8080", "server address")
	flag.StringVar(&cfg.Store.DBDsn, "d", "", "database dsn")
	flag.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	flag.IntVar(&cfg.Ledger.ExpiringSoonDays, "w", 7, "expiring soon window, days")
	flag.Float64Var(&cfg.Handler.RateRPS, "r", 0, "webhook rate limit per project, rps (0 = off)")
	flag.IntVar(&cfg.Handler.RateBurst, "b", 20, "webhook rate limit burst")
	flag.Parse()

	// переменные окружения главнее флагов
	if env := os.Getenv("RUN_ADDRESS"); env != "" {
		cfg.Handler.ServerAddr = env
	}
	if env := os.Getenv("DATABASE_URI"); env != "" {
		cfg.Store.DBDsn = env
	}
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		cfg.Logger.LogLevel = env
	}
	if env := os.Getenv("EXPIRING_WINDOW_DAYS"); env != "" {
		if days, err := strconv.Atoi(env); err == nil {
			cfg.Ledger.ExpiringSoonDays = days
		}
	}
	if env := os.Getenv("RATE_LIMIT_RPS"); env != "" {
		if rps, err := strconv.ParseFloat(env, 64); err == nil {
			cfg.Handler.RateRPS = rps
		}
	}

	return cfg
}
