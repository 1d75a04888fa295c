package config

type Config struct {
	ExpiringSoonDays int // окно "скоро сгорит" для сводки баланса
}
