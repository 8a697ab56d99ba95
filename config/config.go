package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Quote sources for live prices.
const (
	QuoteSourceREST   = "rest"
	QuoteSourceStream = "stream"
)

// Order modes: "live" places real orders, "paper" simulates fills.
const (
	OrderModeLive  = "live"
	OrderModePaper = "paper"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string
	AngelBaseURL    string

	// Strategy
	RSIPeriod     int
	BuyThreshold  float64
	SellThreshold float64
	StopLossPct   float64
	TriggerPct    float64
	Lots          int64 // order size in lots; one lot is the instrument lot size

	// Order routing
	OrderMode        string
	PaperSlippageBps int64

	// Polling and bootstrap
	PollInterval        time.Duration
	HistoryAttempts     int
	HistoryRetryDelay   time.Duration
	HistoryLookbackDays int
	CandleInterval      string

	// Live quote source: "rest" polls LTP, "stream" reads the websocket feed
	QuoteSource string
	QuoteMaxAge time.Duration

	// Reference data
	HolidaysCSV      string
	ScripMasterCSV   string
	InstrumentDBPath string
	JournalDBPath    string // process-scoped by default; "off" leaves it empty and disables the journal

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	HTTPAddr      string
	MetricsAddr   string
	LogLevel      string

	// Notifications (optional)
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	// Default lookup query
	DefaultExchange       string
	DefaultInstrumentType string
	DefaultSymbol         string
	DefaultStrike         int64
	DefaultOptionType     string
}

// Load reads configuration from the environment (and a .env file if present)
// and validates it, including broker credentials.
func Load() (*Config, error) {
	return load(true)
}

// LoadOffline is Load without the broker credential check, for commands
// that never talk to the broker.
func LoadOffline() (*Config, error) {
	return load(false)
}

func load(requireCredentials bool) (*Config, error) {
	// .env is optional; plain environment variables work too
	_ = godotenv.Load()

	var errs []string
	p := &parser{errs: &errs}

	cfg := &Config{
		AngelAPIKey:     getEnv("ANGEL_API_KEY", ""),
		AngelClientCode: getEnv("ANGEL_CLIENT_CODE", ""),
		AngelPassword:   getEnv("ANGEL_PASSWORD", ""),
		AngelTOTPSecret: getEnv("ANGEL_TOTP_SECRET", ""),
		AngelBaseURL:    getEnv("ANGEL_BASE_URL", "https://apiconnect.angelone.in"),

		RSIPeriod:     p.int("RSI_PERIOD", 14),
		BuyThreshold:  p.float("RSI_BUY_THRESHOLD", 30),
		SellThreshold: p.float("RSI_SELL_THRESHOLD", 70),
		StopLossPct:   p.float("STOP_LOSS_PCT", 5),
		TriggerPct:    p.float("TRIGGER_PCT", 10),
		Lots:          int64(p.int("ORDER_LOTS", 1)),

		OrderMode:        strings.ToLower(getEnv("ORDER_MODE", OrderModeLive)),
		PaperSlippageBps: int64(p.int("PAPER_SLIPPAGE_BPS", 5)),

		PollInterval:        p.duration("POLL_INTERVAL", 60*time.Second),
		HistoryAttempts:     p.int("HISTORY_ATTEMPTS", 3),
		HistoryRetryDelay:   p.duration("HISTORY_RETRY_DELAY", 60*time.Second),
		HistoryLookbackDays: p.int("HISTORY_LOOKBACK_DAYS", 30),
		CandleInterval:      getEnv("CANDLE_INTERVAL", "FIVE_MINUTE"),

		QuoteSource: strings.ToLower(getEnv("QUOTE_SOURCE", QuoteSourceREST)),
		QuoteMaxAge: p.duration("QUOTE_MAX_AGE", 2*time.Minute),

		HolidaysCSV:      getEnv("HOLIDAYS_CSV", "holidays_list_bse_nse.csv"),
		ScripMasterCSV:   getEnv("SCRIP_MASTER_CSV", "OpenAPIScripMaster.csv"),
		InstrumentDBPath: getEnv("INSTRUMENT_DB_PATH", "file::memory:?cache=shared"),
		JournalDBPath:    getEnv("JOURNAL_DB_PATH", "file:journal?mode=memory&cache=shared"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		DefaultExchange:       getEnv("DEFAULT_EXCHANGE", "NFO"),
		DefaultInstrumentType: getEnv("DEFAULT_INSTRUMENT_TYPE", "OPTIDX"),
		DefaultSymbol:         getEnv("DEFAULT_SYMBOL", "BANKNIFTY"),
		DefaultStrike:         int64(p.int("DEFAULT_STRIKE", 50500)),
		DefaultOptionType:     getEnv("DEFAULT_OPTION_TYPE", "CE"),
	}

	if requireCredentials {
		for key, v := range map[string]string{
			"ANGEL_API_KEY":     cfg.AngelAPIKey,
			"ANGEL_CLIENT_CODE": cfg.AngelClientCode,
			"ANGEL_PASSWORD":    cfg.AngelPassword,
			"ANGEL_TOTP_SECRET": cfg.AngelTOTPSecret,
		} {
			if v == "" {
				errs = append(errs, key+" must be set")
			}
		}
	}

	if strings.EqualFold(cfg.JournalDBPath, "off") {
		cfg.JournalDBPath = ""
	}

	errs = append(errs, cfg.validate()...)

	if len(errs) > 0 {
		// map iteration above is unordered
		sort.Strings(errs)
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) validate() []string {
	var errs []string
	if c.RSIPeriod <= 0 {
		errs = append(errs, "RSI_PERIOD must be positive")
	}
	if c.BuyThreshold < 0 || c.BuyThreshold > 100 || c.SellThreshold < 0 || c.SellThreshold > 100 {
		errs = append(errs, "RSI thresholds must be between 0 and 100")
	} else if c.BuyThreshold >= c.SellThreshold {
		errs = append(errs, "RSI_BUY_THRESHOLD must be less than RSI_SELL_THRESHOLD")
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 100 {
		errs = append(errs, "STOP_LOSS_PCT must be between 0 and 100 (exclusive)")
	}
	if c.TriggerPct <= 0 || c.TriggerPct >= 100 {
		errs = append(errs, "TRIGGER_PCT must be between 0 and 100 (exclusive)")
	}
	if c.Lots <= 0 {
		errs = append(errs, "ORDER_LOTS must be positive")
	}
	if c.PollInterval <= 0 {
		errs = append(errs, "POLL_INTERVAL must be positive")
	}
	if c.HistoryAttempts < 1 {
		errs = append(errs, "HISTORY_ATTEMPTS must be at least 1")
	}
	if c.HistoryRetryDelay <= 0 {
		errs = append(errs, "HISTORY_RETRY_DELAY must be positive")
	}
	if c.HistoryLookbackDays <= 0 {
		errs = append(errs, "HISTORY_LOOKBACK_DAYS must be positive")
	}
	if c.QuoteMaxAge <= 0 {
		errs = append(errs, "QUOTE_MAX_AGE must be positive")
	}
	if c.QuoteSource != QuoteSourceREST && c.QuoteSource != QuoteSourceStream {
		errs = append(errs, fmt.Sprintf("QUOTE_SOURCE must be %q or %q", QuoteSourceREST, QuoteSourceStream))
	}
	if c.OrderMode != OrderModeLive && c.OrderMode != OrderModePaper {
		errs = append(errs, fmt.Sprintf("ORDER_MODE must be %q or %q", OrderModeLive, OrderModePaper))
	}
	if c.PaperSlippageBps < 0 {
		errs = append(errs, "PAPER_SLIPPAGE_BPS must not be negative")
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, "TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return errs
}

// --- Env Var Helpers ---

// parser reads typed env vars, recording parse failures instead of aborting.
type parser struct {
	errs *[]string
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*p.errs = append(*p.errs, fmt.Sprintf("invalid %s: %v", key, err))
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Sprintf("invalid %s: %v", key, err))
		return fallback
	}
	return f
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		*p.errs = append(*p.errs, fmt.Sprintf("invalid %s: %v", key, err))
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
