package main

import (
	"github.com/bdobrica/tradedesk/common/environment"
	"github.com/bdobrica/tradedesk/internal/tradedesk/app"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/matrix"
)

// env reads TRADEDESK_-prefixed variables.
var env = environment.New("TRADEDESK_")

// settings is everything the binary reads from the environment.
type settings struct {
	App       *app.Config
	HTTPAddr  string
	LogLevel  string
	LogFormat string
}

// loadSettings builds the application config. Matrix is enabled only when a
// homeserver is set; the HTTP API is always served.
func loadSettings() settings {
	cfg := &app.Config{
		DatabasePath:    env.StringOr("DB_PATH", "./tradedesk.db"),
		CommandPrefix:   env.StringOr("COMMAND_PREFIX", "/td"),
		PolicyRulesPath: env.StringOr("POLICY_RULES", ""),
		GatePolicyPath:  env.StringOr("GATE_POLICY", ""),
		CatalogPath:     env.StringOr("CATALOG", ""),
		IntentTTL:       env.DurationOr("INTENT_TTL", intents.DefaultTTL),
		SweepInterval:   env.DurationOr("SWEEP_INTERVAL", 0),
		AuditRoomID:     env.StringOr("AUDIT_ROOM", ""),
		NLP: app.NLPConfig{
			APIKey:      env.StringOr("NLP_API_KEY", ""),
			BaseURL:     env.StringOr("NLP_BASE_URL", ""),
			Model:       env.StringOr("NLP_MODEL", ""),
			RateLimit:   env.IntOr("NLP_RATE_LIMIT", 0),
			TokenBudget: env.IntOr("NLP_TOKEN_BUDGET", 0),
			MaxHistory:  env.IntOr("NLP_MAX_HISTORY", 0),
		},
	}

	if hs := env.StringOr("MATRIX_HOMESERVER", ""); hs != "" {
		cfg.Matrix = &matrix.Config{
			Homeserver:     hs,
			UserID:         env.StringOr("MATRIX_USER_ID", ""),
			AccessToken:    env.StringOr("MATRIX_ACCESS_TOKEN", ""),
			Rooms:          env.StringSliceOr("MATRIX_ROOMS", nil),
			AllowedSenders: env.StringSliceOr("MATRIX_ALLOWED_SENDERS", nil),
		}
	}

	return settings{
		App:       cfg,
		HTTPAddr:  env.StringOr("HTTP_ADDR", ":8080"),
		LogLevel:  env.StringOr("LOG_LEVEL", "info"),
		LogFormat: env.StringOr("LOG_FORMAT", "text"),
	}
}

// validate reports the first missing Matrix credential when Matrix is on.
func (s settings) validate() error {
	m := s.App.Matrix
	if m == nil {
		return nil
	}
	if m.UserID == "" {
		_, err := env.RequiredString("MATRIX_USER_ID")
		return err
	}
	if m.AccessToken == "" {
		_, err := env.RequiredString("MATRIX_ACCESS_TOKEN")
		return err
	}
	if len(m.Rooms) == 0 {
		_, err := env.RequiredString("MATRIX_ROOMS")
		return err
	}
	return nil
}
