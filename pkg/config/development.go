package config

func loadDevelopmentConfig(cfg *Config) {
	if cfg.DatabaseFilePath == "" {
		cfg.DatabaseFilePath = "./tmp/offline.sqlite"
	}
	if cfg.RemoteBaseURL == "" {
		cfg.RemoteBaseURL = "http://localhost:3000"
	}
	cfg.DatabaseDebug = true
}
