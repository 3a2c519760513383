package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"experiment-session-system/utils"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	Port        string `env:"PORT" envDefault:"5200"`
	// AdminToken overrides the generated admin access code when set.
	AdminToken     string   `env:"ADMIN_TOKEN"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	CurrencyCode   string   `env:"CURRENCY_CODE" envDefault:"USD"`

	// Default session type built from the dictator app.
	DictatorRounds    int     `env:"DICTATOR_ROUNDS" envDefault:"1"`
	DictatorEndowment float64 `env:"DICTATOR_ENDOWMENT" envDefault:"100"`

	RoomVisitTTL      time.Duration `env:"ROOM_VISIT_TTL" envDefault:"30s"`
	RoomPruneInterval time.Duration `env:"ROOM_PRUNE_INTERVAL" envDefault:"1m"`

	R2AccountID       string `env:"CLOUDFLARE_ACCOUNT_ID"`
	R2AccessKeyID     string `env:"R2_ACCESS_KEY_ID"`
	R2AccessKeySecret string `env:"R2_ACCESS_KEY_SECRET"`
	R2Bucket          string `env:"R2_BUCKET_NAME"`
	CDNBaseURL        string `env:"CDN_BASE_URL"`
}

// Load parses the process environment. Call godotenv.Load first to pick up a
// .env file.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

func (c *Config) R2() utils.R2Config {
	return utils.R2Config{
		AccountID:       c.R2AccountID,
		AccessKeyID:     c.R2AccessKeyID,
		AccessKeySecret: c.R2AccessKeySecret,
		Bucket:          c.R2Bucket,
		CDNBaseURL:      c.CDNBaseURL,
	}
}
