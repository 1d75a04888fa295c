package main

import (
	"log"

	"github.com/iurnickita/bonusledger/internal/config"
	"github.com/iurnickita/bonusledger/internal/customers"
	"github.com/iurnickita/bonusledger/internal/handler"
	"github.com/iurnickita/bonusledger/internal/ledger"
	"github.com/iurnickita/bonusledger/internal/logger"
	"github.com/iurnickita/bonusledger/internal/notifier"
	"github.com/iurnickita/bonusledger/internal/store"
	"github.com/iurnickita/bonusledger/internal/tenant"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config.GetConfig()

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}

	var db store.Store
	if cfg.Store.DBDsn == "" {
		// локальный запуск без базы
		zaplog.Warn("no database dsn, using in-memory store")
		db = store.NewMemStore()
	} else {
		db, err = store.NewStore(cfg.Store)
		if err != nil {
			return err
		}
	}

	registry := tenant.NewRegistry(db)
	customers := customers.NewCustomers(db, zaplog)
	ledger := ledger.NewLedger(cfg.Ledger, db, zaplog)
	notifier := notifier.NewNotifier(zaplog)

	return handler.Serve(cfg.Handler, registry, customers, ledger, notifier, zaplog)
}
