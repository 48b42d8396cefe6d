package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	AppKey, AppSecret string
	BrokerURL         string
	QuoteWsURL        string
	SentimentURL      string
	WebhookURL        string
	Instruments       []string
	DataPath          string
	CronSpec          string
	CycleInterval     time.Duration
	MetricsPort       int
	RESTTimeout       time.Duration
	DryRun            bool

	MaxTranches int

	Budget     BudgetConfig
	Entry      EntryConfig
	Exit       ExitConfig
	StopLoss   StopLossConfig
	Emergency  EmergencyConfig
	Orders     OrderConfig
	Fees       FeeConfig
	Instrument map[string]InstrumentConfig
}

type BudgetConfig struct {
	BaseBudget       float64 `yaml:"baseBudget"`
	SafetyCashRatio  float64 `yaml:"safetyCashRatio"`
	EquityFraction   float64 `yaml:"equityFraction"`
	ExternalOverride float64 `yaml:"externalOverride"` // 0 = disabled
}

type EntryConfig struct {
	// Required price drop from the previous slice's entry before slice k
	// may open, keyed by slice index.
	BaseDrops       map[int]float64 `yaml:"baseDrops"`
	ScoreThresholds map[int]float64 `yaml:"scoreThresholds"`
	RSIFloor        float64         `yaml:"rsiFloor"`
	RSICeiling      float64         `yaml:"rsiCeiling"`
	HighVolRSICut   float64         `yaml:"highVolRsiCut"`
	CooldownHours   float64         `yaml:"cooldownHours"`
	MaxDailyBuys    int             `yaml:"maxDailyBuys"`
}

type ExitConfig struct {
	FirstThreshold  float64 `yaml:"firstThreshold"`  // pct return for stage 0 -> 1
	FirstRatio      float64 `yaml:"firstRatio"`      // fraction of entry qty sold
	SecondThreshold float64 `yaml:"secondThreshold"` // stage 1 -> 2
	SecondRatio     float64 `yaml:"secondRatio"`
	FinalThreshold  float64 `yaml:"finalThreshold"` // stage 2 -> 3, sells remainder
	MinTrailProfit  float64 `yaml:"minTrailProfit"` // HWM floor before trailing arms
	MinKeepProfit   float64 `yaml:"minKeepProfit"`  // never trail below this return
	BreakEvenBand   float64 `yaml:"breakEvenBand"`  // LIFO suppression band, pct
	GapThreshold    float64 `yaml:"gapThreshold"`   // overnight gap pct triggering HWM recalibration
}

type StopLossConfig struct {
	ThresholdOneOpen   float64 `yaml:"thresholdOneOpen"`
	ThresholdTwoOpen   float64 `yaml:"thresholdTwoOpen"`
	ThresholdManyOpen  float64 `yaml:"thresholdManyOpen"`
	HighVolAdjust      float64 `yaml:"highVolAdjust"`
	MediumVolAdjust    float64 `yaml:"mediumVolAdjust"`
	HighVolThreshold   float64 `yaml:"highVolThreshold"`
	MediumVolThreshold float64 `yaml:"mediumVolThreshold"`
	StaleDaysSoft      int     `yaml:"staleDaysSoft"`
	StaleLossSoft      float64 `yaml:"staleLossSoft"`
	StaleDaysHard      int     `yaml:"staleDaysHard"`
	StaleLossHard      float64 `yaml:"staleLossHard"`
}

type EmergencyConfig struct {
	LossCeiling        float64
	LosingCloseLimit   int
	LosingCloseWindow  time.Duration
	RecoveryThresholds []float64 // 5 ascending rates
	FallbackAfter      time.Duration
}

type OrderConfig struct {
	LimitOffset     float64
	FillTimeout     time.Duration
	PollInterval    time.Duration
	PendingExpiry   time.Duration
	MaxPriceLookups int
	ChaseLimit      float64 // abandon buys after this much run-up
	ZeroConfirms    int
	MaxRetries      int
}

type FeeConfig struct {
	CommissionRate float64 `yaml:"commissionRate"`
	SellTaxRate    float64 `yaml:"sellTaxRate"`
}

type InstrumentConfig struct {
	Name          string  `yaml:"name"`
	Weight        float64 `yaml:"weight"`
	GapThreshold  float64 `yaml:"gapThreshold"`
	CooldownHours float64 `yaml:"cooldownHours"`
	StopLossShift float64 `yaml:"stopLossShift"` // per-instrument stop adjustment, pct points
}

type ConfigFile struct {
	API struct {
		Key          string `yaml:"key"`
		Secret       string `yaml:"secret"`
		BrokerURL    string `yaml:"brokerURL"`
		QuoteWsURL   string `yaml:"quoteWsURL"`
		SentimentURL string `yaml:"sentimentURL"`
		WebhookURL   string `yaml:"webhookURL"`
	} `yaml:"api"`

	Trading struct {
		Instruments []string `yaml:"instruments"`
		MaxTranches int      `yaml:"maxTranches"`
		DryRun      bool     `yaml:"dryRun"`
	} `yaml:"trading"`

	Budget   BudgetConfig   `yaml:"budget"`
	Entry    EntryConfig    `yaml:"entry"`
	Exit     ExitConfig     `yaml:"exit"`
	StopLoss StopLossConfig `yaml:"stopLoss"`

	// Durations in the file are strings run through ParseDuration, same
	// as System.CycleInterval; yaml.v3 reads only integer nanoseconds
	// into time.Duration fields.
	Emergency struct {
		LossCeiling        float64   `yaml:"lossCeiling"`
		LosingCloseLimit   int       `yaml:"losingCloseLimit"`
		LosingCloseWindow  string    `yaml:"losingCloseWindow"`
		RecoveryThresholds []float64 `yaml:"recoveryThresholds"`
		FallbackAfter      string    `yaml:"fallbackAfter"`
	} `yaml:"emergency"`

	Orders struct {
		LimitOffset     float64 `yaml:"limitOffset"`
		FillTimeout     string  `yaml:"fillTimeout"`
		PollInterval    string  `yaml:"pollInterval"`
		PendingExpiry   string  `yaml:"pendingExpiry"`
		MaxPriceLookups int     `yaml:"maxPriceLookups"`
		ChaseLimit      float64 `yaml:"chaseLimit"`
		ZeroConfirms    int     `yaml:"zeroConfirms"`
		MaxRetries      int     `yaml:"maxRetries"`
	} `yaml:"orders"`

	Fees       FeeConfig                   `yaml:"fees"`
	Instrument map[string]InstrumentConfig `yaml:"instrumentConfig"`

	System struct {
		DataPath      string `yaml:"dataPath"`
		CronSpec      string `yaml:"cronSpec"`
		CycleInterval string `yaml:"cycleInterval"`
		MetricsPort   int    `yaml:"metricsPort"`
		RESTTimeout   string `yaml:"restTimeout"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	cycle, err := time.ParseDuration(config.System.CycleInterval)
	if err != nil {
		cycle = 5 * time.Minute
	}
	restTimeout, err := time.ParseDuration(config.System.RESTTimeout)
	if err != nil {
		restTimeout = 10 * time.Second
	}

	key := getEnvOrDefault("BROKER_APP_KEY", config.API.Key)
	secret := getEnvOrDefault("BROKER_APP_SECRET", config.API.Secret)
	if key == "" || secret == "" {
		return Settings{}, fmt.Errorf("broker app key and secret are required")
	}

	settings := Settings{
		AppKey:        key,
		AppSecret:     secret,
		BrokerURL:     getEnvOrDefault("BROKER_URL", config.API.BrokerURL),
		QuoteWsURL:    getEnvOrDefault("QUOTE_WS_URL", config.API.QuoteWsURL),
		SentimentURL:  getEnvOrDefault("SENTIMENT_URL", config.API.SentimentURL),
		WebhookURL:    getEnvOrDefault("WEBHOOK_URL", config.API.WebhookURL),
		Instruments:   instrumentsFromEnvOrConfig(config.Trading.Instruments),
		DataPath:      getEnvOrDefault("DATA_PATH", config.System.DataPath),
		CronSpec:      getEnvOrDefault("CRON_SPEC", config.System.CronSpec),
		CycleInterval: cycle,
		MetricsPort:   getIntFromEnvOrConfig("METRICS_PORT", config.System.MetricsPort),
		RESTTimeout:   restTimeout,
		DryRun:        getBoolFromEnvOrConfig("DRY_RUN", config.Trading.DryRun),
		MaxTranches:   config.Trading.MaxTranches,
		Budget:        config.Budget,
		Entry:         config.Entry,
		Exit:          config.Exit,
		StopLoss:      config.StopLoss,
		Emergency: EmergencyConfig{
			LossCeiling:        config.Emergency.LossCeiling,
			LosingCloseLimit:   config.Emergency.LosingCloseLimit,
			LosingCloseWindow:  parseDurationOrZero(config.Emergency.LosingCloseWindow),
			RecoveryThresholds: config.Emergency.RecoveryThresholds,
			FallbackAfter:      parseDurationOrZero(config.Emergency.FallbackAfter),
		},
		Orders: OrderConfig{
			LimitOffset:     config.Orders.LimitOffset,
			FillTimeout:     parseDurationOrZero(config.Orders.FillTimeout),
			PollInterval:    parseDurationOrZero(config.Orders.PollInterval),
			PendingExpiry:   parseDurationOrZero(config.Orders.PendingExpiry),
			MaxPriceLookups: config.Orders.MaxPriceLookups,
			ChaseLimit:      config.Orders.ChaseLimit,
			ZeroConfirms:    config.Orders.ZeroConfirms,
			MaxRetries:      config.Orders.MaxRetries,
		},
		Fees:       config.Fees,
		Instrument: config.Instrument,
	}

	applyDefaults(&settings)
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	key, err := getEnvRequired("BROKER_APP_KEY")
	if err != nil {
		return Settings{}, err
	}
	secret, err := getEnvRequired("BROKER_APP_SECRET")
	if err != nil {
		return Settings{}, err
	}

	settings := Settings{
		AppKey:        key,
		AppSecret:     secret,
		BrokerURL:     getEnvOrDefault("BROKER_URL", "https://openapi.koreainvestment.com:9443"),
		QuoteWsURL:    os.Getenv("QUOTE_WS_URL"), // optional
		SentimentURL:  os.Getenv("SENTIMENT_URL"),
		WebhookURL:    os.Getenv("WEBHOOK_URL"),
		Instruments:   splitOrDefault(os.Getenv("INSTRUMENTS"), []string{"449450", "042660", "034020"}),
		DataPath:      getEnvOrDefault("DATA_PATH", "data"),
		CronSpec:      os.Getenv("CRON_SPEC"),
		CycleInterval: getDurationOrDefault("CYCLE_INTERVAL", 5*time.Minute),
		MetricsPort:   getIntOrDefault("METRICS_PORT", 8080),
		RESTTimeout:   getDurationOrDefault("REST_TIMEOUT", 10*time.Second),
		DryRun:        getBoolOrDefault("DRY_RUN", false),
	}

	applyDefaults(&settings)
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// applyDefaults fills every zero-valued threshold with its documented
// default. A missing or invalid threshold never halts the engine; it is
// logged and replaced.
func applyDefaults(s *Settings) {
	if s.MetricsPort == 0 {
		s.MetricsPort = 8080
	}
	if s.RESTTimeout <= 0 {
		s.RESTTimeout = 10 * time.Second
	}
	if s.MaxTranches <= 0 || s.MaxTranches > 10 {
		if s.MaxTranches != 0 {
			log.Warn().Int("maxTranches", s.MaxTranches).Msg("invalid tranche count, using default 5")
		}
		s.MaxTranches = 5
	}

	b := &s.Budget
	if b.BaseBudget <= 0 {
		b.BaseBudget = 1_000_000
	}
	if b.SafetyCashRatio <= 0 || b.SafetyCashRatio > 1 {
		b.SafetyCashRatio = 0.8
	}
	if b.EquityFraction <= 0 || b.EquityFraction > 1 {
		b.EquityFraction = 0.5
	}

	e := &s.Entry
	if len(e.BaseDrops) == 0 {
		e.BaseDrops = map[int]float64{2: 0.045, 3: 0.055, 4: 0.070, 5: 0.085}
	}
	if len(e.ScoreThresholds) == 0 {
		e.ScoreThresholds = map[int]float64{1: 0.55, 2: 0.45, 3: 0.45, 4: 0.40, 5: 0.40}
	}
	if e.RSIFloor <= 0 {
		e.RSIFloor = 30
	}
	if e.RSICeiling <= 0 {
		e.RSICeiling = 78
	}
	if e.HighVolRSICut <= 0 {
		e.HighVolRSICut = 70
	}
	if e.CooldownHours <= 0 {
		e.CooldownHours = 6
	}
	if e.MaxDailyBuys <= 0 {
		e.MaxDailyBuys = 2
	}

	x := &s.Exit
	if x.FirstThreshold <= 0 {
		x.FirstThreshold = 12
	}
	if x.FirstRatio <= 0 || x.FirstRatio >= 1 {
		x.FirstRatio = 0.4
	}
	if x.SecondThreshold <= 0 {
		x.SecondThreshold = 20
	}
	if x.SecondRatio <= 0 || x.SecondRatio >= 1 {
		x.SecondRatio = 0.3
	}
	if x.FinalThreshold <= 0 {
		x.FinalThreshold = 30
	}
	if x.MinTrailProfit <= 0 {
		x.MinTrailProfit = 5
	}
	if x.MinKeepProfit <= 0 {
		x.MinKeepProfit = 2
	}
	if x.BreakEvenBand <= 0 {
		x.BreakEvenBand = 2
	}
	if x.GapThreshold <= 0 {
		x.GapThreshold = 5
	}

	sl := &s.StopLoss
	if sl.ThresholdOneOpen >= 0 {
		sl.ThresholdOneOpen = -18
	}
	if sl.ThresholdTwoOpen >= 0 {
		sl.ThresholdTwoOpen = -22
	}
	if sl.ThresholdManyOpen >= 0 {
		sl.ThresholdManyOpen = -28
	}
	if sl.HighVolAdjust >= 0 {
		sl.HighVolAdjust = -4
	}
	if sl.MediumVolAdjust >= 0 {
		sl.MediumVolAdjust = -2
	}
	if sl.HighVolThreshold <= 0 {
		sl.HighVolThreshold = 6.0
	}
	if sl.MediumVolThreshold <= 0 {
		sl.MediumVolThreshold = 3.5
	}
	if sl.StaleDaysSoft <= 0 {
		sl.StaleDaysSoft = 60
	}
	if sl.StaleLossSoft >= 0 {
		sl.StaleLossSoft = -12
	}
	if sl.StaleDaysHard <= 0 {
		sl.StaleDaysHard = 120
	}
	if sl.StaleLossHard >= 0 {
		sl.StaleLossHard = -8
	}

	em := &s.Emergency
	if em.LossCeiling <= 0 {
		em.LossCeiling = 0.20
	}
	if em.LosingCloseLimit <= 0 {
		em.LosingCloseLimit = 4
	}
	if em.LosingCloseWindow <= 0 {
		em.LosingCloseWindow = 24 * time.Hour
	}
	if len(em.RecoveryThresholds) != 5 {
		if len(em.RecoveryThresholds) != 0 {
			log.Warn().Int("count", len(em.RecoveryThresholds)).Msg("expected 5 recovery thresholds, using defaults")
		}
		em.RecoveryThresholds = []float64{0.10, 0.15, 0.25, 0.35, 0.40}
	}
	if em.FallbackAfter <= 0 {
		em.FallbackAfter = 24 * time.Hour
	}

	o := &s.Orders
	if o.LimitOffset <= 0 {
		o.LimitOffset = 0.01
	}
	if o.FillTimeout <= 0 {
		o.FillTimeout = 90 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.PendingExpiry <= 0 {
		o.PendingExpiry = 20 * time.Minute
	}
	if o.MaxPriceLookups <= 0 {
		o.MaxPriceLookups = 3
	}
	if o.ChaseLimit <= 0 {
		o.ChaseLimit = 0.03
	}
	if o.ZeroConfirms <= 0 {
		o.ZeroConfirms = 3
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}

	f := &s.Fees
	if f.CommissionRate <= 0 {
		f.CommissionRate = 0.00015
	}
	if f.SellTaxRate <= 0 {
		f.SellTaxRate = 0.0023
	}

	if s.Instrument == nil {
		s.Instrument = make(map[string]InstrumentConfig)
	}
}

// ForInstrument returns per-instrument configuration with fallback to the
// global defaults.
func (s *Settings) ForInstrument(code string) InstrumentConfig {
	ic, ok := s.Instrument[code]
	if !ok {
		ic = InstrumentConfig{}
	}
	if ic.Name == "" {
		ic.Name = code
	}
	if ic.Weight <= 0 {
		ic.Weight = 1.0 / float64(len(s.Instruments))
	}
	if ic.GapThreshold <= 0 {
		ic.GapThreshold = s.Exit.GapThreshold
	}
	if ic.CooldownHours <= 0 {
		ic.CooldownHours = s.Entry.CooldownHours
	}
	return ic
}

func validateSettings(s *Settings) error {
	if s.AppKey == "" || s.AppSecret == "" {
		return fmt.Errorf("broker app key and secret are required")
	}
	if len(s.Instruments) == 0 {
		return fmt.Errorf("at least one instrument must be specified")
	}
	if s.BrokerURL == "" {
		return fmt.Errorf("broker URL cannot be empty")
	}
	if s.CycleInterval < time.Minute || s.CycleInterval > time.Hour {
		return fmt.Errorf("cycle interval must be between 1m and 1h, got %v", s.CycleInterval)
	}
	if s.RESTTimeout < time.Second || s.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", s.RESTTimeout)
	}
	if s.MetricsPort < 1024 || s.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", s.MetricsPort)
	}

	// Weight sum is a soft check: a mismatch distorts allocation but is
	// not a reason to refuse startup.
	if len(s.Instrument) > 0 {
		total := 0.0
		for _, ic := range s.Instrument {
			total += ic.Weight
		}
		if total > 0 && (total < 0.99 || total > 1.01) {
			log.Warn().Float64("total", total).Msg("instrument weights do not sum to 1.0")
		}
	}

	prev := 0.0
	for i, r := range s.Emergency.RecoveryThresholds {
		if r <= prev || r >= 1 {
			return fmt.Errorf("recovery thresholds must be ascending in (0,1), got %v at index %d", r, i)
		}
		prev = r
	}
	return nil
}

func getEnvRequired(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is missing", key)
	}
	return v, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// parseDurationOrZero returns zero for empty or invalid values so
// applyDefaults can backfill them.
func parseDurationOrZero(v string) time.Duration {
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("value", v).Msg("invalid duration in config, using default")
		return 0
	}
	return d
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	return strings.Split(v, ",")
}

func instrumentsFromEnvOrConfig(configInstruments []string) []string {
	if env := os.Getenv("INSTRUMENTS"); env != "" {
		return strings.Split(env, ",")
	}
	if len(configInstruments) > 0 {
		return configInstruments
	}
	return []string{"449450", "042660", "034020"}
}

func getIntFromEnvOrConfig(key string, configValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return getIntOrDefault(key, 0)
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}
