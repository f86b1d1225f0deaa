// Package app wires the desk together and runs conversation turns.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/tradedesk/common/retry"
	"github.com/bdobrica/tradedesk/internal/tradedesk/audit"
	"github.com/bdobrica/tradedesk/internal/tradedesk/commands"
	"github.com/bdobrica/tradedesk/internal/tradedesk/config"
	"github.com/bdobrica/tradedesk/internal/tradedesk/confirm"
	"github.com/bdobrica/tradedesk/internal/tradedesk/coordinator"
	"github.com/bdobrica/tradedesk/internal/tradedesk/documents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/drafts"
	"github.com/bdobrica/tradedesk/internal/tradedesk/handlers"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/matrix"
	"github.com/bdobrica/tradedesk/internal/tradedesk/nlp"
	"github.com/bdobrica/tradedesk/internal/tradedesk/policy"
	"github.com/bdobrica/tradedesk/internal/tradedesk/session"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

// Config holds application configuration
type Config struct {
	DatabasePath string

	// CommandPrefix starts operator commands. Defaults to "/td".
	CommandPrefix string

	// PolicyRulesPath optionally replaces the embedded override rules.
	PolicyRulesPath string
	// GatePolicyPath optionally replaces the embedded rego gate module.
	GatePolicyPath string
	// CatalogPath is a YAML file of processes and tariffs served by the
	// lookup tools. Empty leaves the lookups delegating to the model.
	CatalogPath string

	// IntentTTL is how long a preview stays confirmable. The runtime key
	// intents.ttl overrides it.
	IntentTTL time.Duration
	// SweepInterval is the cadence of the background expiry sweep. Expiry
	// is also applied lazily on every read.
	SweepInterval time.Duration

	// Matrix enables the chat transport when non-nil.
	Matrix *matrix.Config
	// AuditRoomID receives intent transition notices when set.
	AuditRoomID string

	NLP NLPConfig
}

// NLPConfig configures the model boundary.
type NLPConfig struct {
	APIKey  string
	BaseURL string
	// Model defaults to "gpt-4o-mini"; the runtime key nlp.model overrides.
	Model string
	// RateLimit is model calls per session per minute.
	RateLimit int
	// TokenBudget is tokens per session per UTC day.
	TokenBudget int
	// MaxHistory caps the prior messages sent with each call.
	MaxHistory int
}

// App is the running desk.
type App struct {
	cfg *Config
	now func() time.Time

	store      *store.Store
	intents    *intents.Store
	drafts     *drafts.Store
	draftCache *drafts.Cache
	sessions   *session.Store
	history    *session.History
	runtime    config.Store

	rules   *policy.Loader
	layer   *policy.Layer
	gate    *policy.Gate
	service *tools.Service

	outbox      *coordinator.Outbox
	coordinator *coordinator.Coordinator
	confirm     *confirm.Handler
	commands    *commands.Router

	provider nlp.Provider
	limiter  *nlp.RateLimiter
	budget   *nlp.TokenBudget
	retry    retry.Config

	docs     documents.Lookup
	notifier audit.Notifier
	matrix   *matrix.Client

	mailer       coordinator.Mailer
	declarations coordinator.DeclarationAPI
	reports      coordinator.ReportSender
}

// Option customises New. Options override what Config would build.
type Option func(*App)

// WithProvider sets the model backend instead of building one from NLPConfig.
func WithProvider(p nlp.Provider) Option { return func(a *App) { a.provider = p } }

// WithMailer replaces the outbox as e-mail backend.
func WithMailer(m coordinator.Mailer) Option { return func(a *App) { a.mailer = m } }

// WithDeclarationAPI replaces the outbox as declaration backend.
func WithDeclarationAPI(d coordinator.DeclarationAPI) Option {
	return func(a *App) { a.declarations = d }
}

// WithReportSender replaces the outbox as report backend.
func WithReportSender(r coordinator.ReportSender) Option { return func(a *App) { a.reports = r } }

// WithDocuments sets the document lookup instead of loading CatalogPath.
func WithDocuments(d documents.Lookup) Option { return func(a *App) { a.docs = d } }

// WithNotifier sets the operator notifier.
func WithNotifier(n audit.Notifier) Option { return func(a *App) { a.notifier = n } }

// WithClock sets the time source of every store and of the confirmation
// handler.
func WithClock(now func() time.Time) Option { return func(a *App) { a.now = now } }

// WithRetry sets the back-off used for model calls and external effects.
func WithRetry(cfg retry.Config) Option { return func(a *App) { a.retry = cfg } }

// New opens the database and builds every component.
func New(cfg *Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, now: time.Now, retry: retry.DefaultConfig}
	for _, opt := range opts {
		opt(a)
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "/td"
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = intents.DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.NLP.Model == "" {
		cfg.NLP.Model = "gpt-4o-mini"
	}
	if cfg.NLP.MaxHistory <= 0 {
		cfg.NLP.MaxHistory = 20
	}

	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.store = st
	if err := a.build(context.Background()); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	db := a.store.DB()

	a.intents = intents.NewStore(db, intents.WithClock(a.now))
	a.drafts = drafts.NewStore(db, drafts.WithClock(a.now))
	a.draftCache = drafts.NewCache(a.drafts, 256)
	a.sessions = session.NewStore(db, a.now)
	a.history = session.NewHistory(session.HistoryConfig{MaxMessages: cfg.NLP.MaxHistory})
	a.runtime = config.New(db)

	a.rules = policy.NewLoader()
	if cfg.PolicyRulesPath != "" {
		if err := a.rules.LoadFile(cfg.PolicyRulesPath); err != nil {
			return fmt.Errorf("failed to load policy rules: %w", err)
		}
	}
	a.layer = policy.NewLayer(a.rules).WithClock(a.now).WithPinWindow(func() time.Duration {
		return config.DurationOr(context.Background(), a.runtime, config.KeyPinWindow, 0)
	})

	var err error
	if cfg.GatePolicyPath != "" {
		a.gate, err = policy.LoadGate(ctx, cfg.GatePolicyPath)
	} else {
		a.gate, err = policy.NewGate(ctx, "")
	}
	if err != nil {
		return fmt.Errorf("failed to prepare tool gate: %w", err)
	}

	if a.docs == nil {
		if cfg.CatalogPath != "" {
			cat, err := documents.LoadCatalog(cfg.CatalogPath)
			if err != nil {
				return fmt.Errorf("failed to load document catalog: %w", err)
			}
			a.docs = cat
		} else {
			slog.Warn("no document catalog configured; lookups will defer to the model")
		}
	}

	routes, err := tools.NewRouter(handlers.Routes(commands.LegacyTools()...))
	if err != nil {
		return fmt.Errorf("failed to build tool routes: %w", err)
	}
	a.service = tools.NewService(routes, a.gate, tools.WithBlockedTools(func(ctx context.Context) []string {
		return config.List(ctx, a.runtime, config.KeyBlockedTools)
	}))
	a.service.MustRegister(handlers.All()...)

	a.outbox = coordinator.NewOutbox(db, a.now)
	if a.mailer == nil {
		a.mailer = a.outbox
	}
	if a.declarations == nil {
		a.declarations = a.outbox
	}
	if a.reports == nil {
		a.reports = a.outbox
	}
	a.coordinator = coordinator.New(a.drafts, a.mailer,
		coordinator.WithDeclarationAPI(a.declarations),
		coordinator.WithReportSender(a.reports),
		coordinator.WithRetry(a.retry))

	recent := func() time.Duration {
		return config.DurationOr(context.Background(), a.runtime, config.KeyRecentWindow, confirm.DefaultRecentWindow)
	}
	a.confirm = confirm.NewHandler(a.intents, a.coordinator, a.sessions,
		func() policy.WordLists { return a.rules.Rules().Confirmation },
		confirm.WithClock(a.now), confirm.WithRecentWindow(recent))

	a.commands = commands.NewRouter(cfg.CommandPrefix)
	commands.NewHandlers(commands.Deps{
		Store:    a.store,
		Intents:  a.intents,
		Drafts:   a.drafts,
		Sessions: a.sessions,
		Confirm:  a.confirm,
		Config:   a.runtime,
		Rules:    a.rules,
		Pins:     a.layer,
	}).Register(a.commands)

	if a.provider == nil && cfg.NLP.APIKey != "" {
		a.provider = nlp.NewOpenAI(nlp.OpenAIConfig{APIKey: cfg.NLP.APIKey, BaseURL: cfg.NLP.BaseURL, Model: cfg.NLP.Model})
		slog.Info("model provider ready", "model", cfg.NLP.Model)
	}
	if a.provider == nil {
		slog.Warn("no model provider configured; only commands, overrides and confirmations will be answered")
	}
	a.limiter = nlp.NewRateLimiter(cfg.NLP.RateLimit, time.Minute).WithClock(a.now)
	a.budget = nlp.NewTokenBudget(cfg.NLP.TokenBudget).WithClock(a.now)

	if cfg.Matrix != nil {
		mc := *cfg.Matrix
		mc.DB = db
		slog.Info("connecting to Matrix", "homeserver", mc.Homeserver)
		client, err := matrix.New(&mc)
		if err != nil {
			return fmt.Errorf("failed to initialize Matrix client: %w", err)
		}
		a.matrix = client
		if a.notifier == nil && cfg.AuditRoomID != "" {
			a.notifier = audit.NewMatrixNotifier(client, cfg.AuditRoomID)
		}
	}
	if a.notifier == nil {
		a.notifier = audit.Noop{}
	}
	return nil
}

// Run starts the chat transport and the expiry sweep, and blocks until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.matrix != nil {
		slog.Info("starting Matrix sync")
		if err := a.matrix.Start(ctx, a.handleMatrixMessage); err != nil {
			return fmt.Errorf("failed to start Matrix client: %w", err)
		}
	}

	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	slog.Info("tradedesk is running")
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Sweep expires overdue intents and drops idle history windows.
func (a *App) Sweep(ctx context.Context) {
	n, err := a.intents.ExpireStale(ctx)
	if err != nil {
		slog.Warn("intent expiry sweep failed", "err", err)
	} else if n > 0 {
		slog.Info("expired pending intents", "count", n)
		a.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindIntentExpired,
			Message: fmt.Sprintf("%d pending request(s) expired without confirmation", n),
		})
	}
	if dropped := a.history.Sweep(); dropped > 0 {
		slog.Debug("dropped idle conversation history", "sessions", dropped)
	}
}

// Stop releases the transport and the database.
func (a *App) Stop() {
	if a.matrix != nil {
		slog.Info("stopping Matrix client")
		a.matrix.Stop()
	}
	slog.Info("closing database")
	a.store.Close()
}

// Store returns the application database.
func (a *App) Store() *store.Store { return a.store }

// Intents returns the pending intent store.
func (a *App) Intents() *intents.Store { return a.intents }

// Drafts returns the draft store.
func (a *App) Drafts() *drafts.Store { return a.drafts }

// Confirm returns the confirmation handler.
func (a *App) Confirm() *confirm.Handler { return a.confirm }

// Outbox returns the delivery queue.
func (a *App) Outbox() *coordinator.Outbox { return a.outbox }

// Rules returns the policy rules loader.
func (a *App) Rules() *policy.Loader { return a.rules }
