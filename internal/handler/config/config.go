package config

type Config struct {
	ServerAddr string
	RateRPS    float64 // лимит вебхуков на проект, запросов в секунду (0 = выкл)
	RateBurst  int
}
