// Package config loads and validates everything a run needs before the
// first network call. Validation is the fail-fast contract: a missing
// or malformed required value aborts with a preflight error and zero
// network traffic.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"commercegate/internal/gate"
)

// Provider is the test-mode payment provider surface.
type Provider struct {
	SecretKey      string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret  string `env:"STRIPE_WEBHOOK_SECRET"`
	APIBase        string `env:"STRIPE_API_BASE, default=https://api.stripe.com"`
	MonthlyPriceID string `env:"STRIPE_PRICE_MONTHLY"`
	YearlyPriceID  string `env:"STRIPE_PRICE_YEARLY"`
	PaymentMethod  string `env:"STRIPE_TEST_PAYMENT_METHOD, default=pm_card_visa"`
}

// App is the application under test (webhook receiver, checkout API).
type App struct {
	BaseURL      string `env:"APP_BASE_URL"`
	WebhookPath  string `env:"APP_WEBHOOK_PATH, default=/api/stripe/webhook"`
	CheckoutPath string `env:"APP_CHECKOUT_PATH, default=/api/billing/checkout"`
}

// Identity is the auth service used to mint throwaway test users.
type Identity struct {
	BaseURL        string `env:"SUPABASE_URL"`
	ServiceRoleKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`
	AnonKey        string `env:"SUPABASE_ANON_KEY"`
}

type Config struct {
	Flow          string `env:"GATE_FLOW, default=individual_subscription"`
	Mode          string `env:"GATE_MODE, default=direct_subscription"`
	ArtifactRoot  string `env:"GATE_ARTIFACT_DIR, default=artifacts"`
	EventID       string `env:"GATE_EVENT_ID"`
	AllowRecorded bool   `env:"GATE_ALLOW_RECORDED_EVENT, default=false"`
	MaxSeats      int    `env:"GATE_MAX_SEATS, default=1000"`
	ConfigFile    string `env:"GATE_CONFIG_FILE"`
	DatabaseURL   string `env:"DATABASE_URL"`

	Provider Provider
	App      App
	Identity Identity
}

// Load reads the environment and, if GATE_CONFIG_FILE is set, layers a
// YAML overlay underneath: the file only fills values the environment
// left blank, and it never carries secrets.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		if err := applyOverlay(&cfg, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

type overlay struct {
	ArtifactRoot string `yaml:"artifact_root"`
	MaxSeats     int    `yaml:"max_seats"`
	Provider     struct {
		APIBase        string `yaml:"api_base"`
		MonthlyPriceID string `yaml:"monthly_price_id"`
		YearlyPriceID  string `yaml:"yearly_price_id"`
		PaymentMethod  string `yaml:"payment_method"`
	} `yaml:"provider"`
	App struct {
		BaseURL      string `yaml:"base_url"`
		WebhookPath  string `yaml:"webhook_path"`
		CheckoutPath string `yaml:"checkout_path"`
	} `yaml:"app"`
}

func applyOverlay(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var ov overlay
	if err := yaml.Unmarshal(b, &ov); err != nil {
		return fmt.Errorf("yaml parse: %w", err)
	}
	fill(&cfg.ArtifactRoot, ov.ArtifactRoot)
	if cfg.MaxSeats == 0 {
		cfg.MaxSeats = ov.MaxSeats
	}
	fill(&cfg.Provider.APIBase, ov.Provider.APIBase)
	fill(&cfg.Provider.MonthlyPriceID, ov.Provider.MonthlyPriceID)
	fill(&cfg.Provider.YearlyPriceID, ov.Provider.YearlyPriceID)
	fill(&cfg.Provider.PaymentMethod, ov.Provider.PaymentMethod)
	fill(&cfg.App.BaseURL, ov.App.BaseURL)
	fill(&cfg.App.WebhookPath, ov.App.WebhookPath)
	fill(&cfg.App.CheckoutPath, ov.App.CheckoutPath)
	return nil
}

func fill(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

// Validate checks the fixed required set for one flow: presence first,
// then shape. All problems are reported at once.
func (c *Config) Validate(flow string) error {
	if !gate.ValidFlow(flow) {
		return &gate.PreflightError{Reason: "unknown flow " + flow}
	}
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	needProvider := flow != gate.FlowAuthGate
	needWebhook := flow == gate.FlowWebhook || flow == gate.FlowOrgSeats ||
		(flow == gate.FlowSubscription && c.Mode == gate.ModeSimulated)
	needApp := needWebhook || flow == gate.FlowOrgSeats
	needIdentity := flow == gate.FlowAuthGate || flow == gate.FlowOrgSeats || flow == gate.FlowSubscription
	needStore := flow == gate.FlowAuthGate || flow == gate.FlowWebhook || flow == gate.FlowOrgSeats ||
		(flow == gate.FlowSubscription && c.Mode == gate.ModeSimulated)

	if flow == gate.FlowSubscription && !gate.ValidMode(c.Mode) {
		add("unknown mode %s", c.Mode)
	}

	if needProvider {
		switch {
		case c.Provider.SecretKey == "":
			add("STRIPE_SECRET_KEY is required")
		case !strings.HasPrefix(c.Provider.SecretKey, "sk_test_"):
			add("STRIPE_SECRET_KEY must be a test-mode key (sk_test_...)")
		}
		if !validURL(c.Provider.APIBase) {
			add("STRIPE_API_BASE must be an absolute URL")
		}
	}
	if flow == gate.FlowSubscription || flow == gate.FlowOrgSeats {
		if c.Provider.MonthlyPriceID == "" {
			add("STRIPE_PRICE_MONTHLY is required")
		}
		if c.Provider.YearlyPriceID == "" {
			add("STRIPE_PRICE_YEARLY is required")
		}
	}
	if needWebhook {
		switch {
		case c.Provider.WebhookSecret == "":
			add("STRIPE_WEBHOOK_SECRET is required")
		case !strings.HasPrefix(c.Provider.WebhookSecret, "whsec_"):
			add("STRIPE_WEBHOOK_SECRET must be a signing secret (whsec_...)")
		}
	}
	if needApp && !validURL(c.App.BaseURL) {
		add("APP_BASE_URL must be an absolute URL")
	}
	if needIdentity {
		if !validURL(c.Identity.BaseURL) {
			add("SUPABASE_URL must be an absolute URL")
		}
		if c.Identity.ServiceRoleKey == "" {
			add("SUPABASE_SERVICE_ROLE_KEY is required")
		}
		if c.Identity.AnonKey == "" {
			add("SUPABASE_ANON_KEY is required")
		}
	}
	if needStore && c.DatabaseURL == "" {
		add("DATABASE_URL is required")
	}
	if flow == gate.FlowWebhook && c.EventID == "" {
		add("GATE_EVENT_ID is required")
	}
	if flow == gate.FlowOrgSeats && c.MaxSeats <= 0 {
		add("GATE_MAX_SEATS must be positive")
	}

	if len(problems) > 0 {
		return &gate.PreflightError{Reason: strings.Join(problems, "; ")}
	}
	return nil
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
