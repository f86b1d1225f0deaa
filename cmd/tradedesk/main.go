// Command tradedesk runs the conversational back-office desk.
//
// Configuration is read from the environment (and an optional .env file):
//
//	TRADEDESK_DB_PATH                SQLite database path (default ./tradedesk.db)
//	TRADEDESK_HTTP_ADDR              HTTP API listen address (default :8080)
//	TRADEDESK_COMMAND_PREFIX         chat command prefix (default /td)
//	TRADEDESK_POLICY_RULES           YAML rules file for the intent policy layer
//	TRADEDESK_GATE_POLICY            rego module replacing the built-in tool gate
//	TRADEDESK_CATALOG                YAML process and tariff catalog
//	TRADEDESK_INTENT_TTL             pending intent lifetime (default 15m)
//	TRADEDESK_SWEEP_INTERVAL         expiry sweep period (default 1m)
//	TRADEDESK_MATRIX_HOMESERVER      enables the Matrix transport when set
//	TRADEDESK_MATRIX_USER_ID         required with a homeserver
//	TRADEDESK_MATRIX_ACCESS_TOKEN    required with a homeserver
//	TRADEDESK_MATRIX_ROOMS           comma-separated room IDs to serve
//	TRADEDESK_MATRIX_ALLOWED_SENDERS comma-separated user IDs (optional)
//	TRADEDESK_AUDIT_ROOM             room receiving intent notifications
//	TRADEDESK_NLP_API_KEY            enables the language model when set
//	TRADEDESK_NLP_BASE_URL           OpenAI-compatible endpoint
//	TRADEDESK_NLP_MODEL              model name (default gpt-4o-mini)
//	TRADEDESK_NLP_RATE_LIMIT         model calls per sender per minute
//	TRADEDESK_NLP_TOKEN_BUDGET       tokens per sender per day
//	TRADEDESK_NLP_MAX_HISTORY        conversation messages sent to the model
//	TRADEDESK_LOG_LEVEL              debug|info|warn|error (default info)
//	TRADEDESK_LOG_FORMAT             text|json (default text)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/tradedesk/common/environment"
	"github.com/bdobrica/tradedesk/common/version"
	"github.com/bdobrica/tradedesk/internal/tradedesk/api"
	"github.com/bdobrica/tradedesk/internal/tradedesk/app"
	"github.com/bdobrica/tradedesk/internal/tradedesk/observability"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "tradedesk",
	Short:         "Conversational automation for import/export back-office work",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := environment.LoadDotEnv(envFile)
		if err != nil {
			return err
		}
		s := loadSettings()
		observability.Setup(s.LogLevel, s.LogFormat)
		for _, f := range loaded {
			slog.Debug("loaded environment file", "path", f)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, when configured, the Matrix transport",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Info())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file to load before reading configuration")
	rootCmd.AddCommand(serveCmd, versionCmd, intentsCmd, policyCmd, outboxCmd)
}

func serve(parent context.Context) error {
	s := loadSettings()
	if err := s.validate(); err != nil {
		return err
	}
	slog.Info("starting tradedesk", "version", version.Version, "commit", version.GitCommit)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	desk, err := app.New(s.App)
	if err != nil {
		return fmt.Errorf("failed to initialize tradedesk: %w", err)
	}
	defer desk.Stop()

	srv := api.New(desk, s.HTTPAddr)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	return desk.Run(ctx)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
