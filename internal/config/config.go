package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"LeadNurture/internal/domain"
)

const (
	defaultTimezone = "UTC"
	day             = 24 * time.Hour

	// ConfigPathEnv names the config file when --config is not given.
	ConfigPathEnv     = "LEADNURTURE_CONFIG"
	databaseDSNEnv    = "DATABASE_DSN"
	chatGPTAPIKeyEnv  = "CHATGPT_API_KEY"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
	smtpPasswordEnv   = "SMTP_PASSWORD"
	whatsAppTokenEnv  = "WHATSAPP_TOKEN"
	redditTokenEnv    = "REDDIT_TOKEN"
	httpListenEnv     = "HTTP_LISTEN"
	logLevelEnv       = "LOG_LEVEL"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig             `yaml:"logging" toml:"logging"`
	Database      DatabaseConfig            `yaml:"database" toml:"database"`
	HTTP          HTTPConfig                `yaml:"http" toml:"http"`
	Scheduler     SchedulerConfig           `yaml:"scheduler" toml:"scheduler"`
	Guard         GuardConfig               `yaml:"guard" toml:"guard"`
	Memory        MemoryConfig              `yaml:"memory" toml:"memory"`
	Campaigns     map[string]CampaignConfig `yaml:"campaigns" toml:"campaigns"`
	Channels      ChannelsConfig            `yaml:"channels" toml:"channels"`
	Notifications NotificationConfig        `yaml:"notifications" toml:"notifications"`
	ML            MLConfig                  `yaml:"ml" toml:"ml"`
	ChatGPT       ChatGPTConfig             `yaml:"chatgpt" toml:"chatgpt"`
}

// Duration reads Go duration strings ("45m", "1080h") from YAML and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) Duration { return Duration{Duration: d} }

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DatabaseConfig points at the SQLite lead store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// SchedulerConfig defines when and how campaigns run.
type SchedulerConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	// CronExpression replaces Interval when set.
	CronExpression string         `yaml:"cronExpression" toml:"cronExpression"`
	Timezone       string         `yaml:"timezone" toml:"timezone"`
	Cooldown       Duration       `yaml:"cooldown" toml:"cooldown"`
	RunTimeout     Duration       `yaml:"runTimeout" toml:"runTimeout"`
	SendTimeout    Duration       `yaml:"sendTimeout" toml:"sendTimeout"`
	Concurrency    int            `yaml:"concurrency" toml:"concurrency"`
	HistorySize    int            `yaml:"historySize" toml:"historySize"`
	RunOnStart     bool           `yaml:"runOnStart" toml:"runOnStart"`
	Campaigns      []string       `yaml:"campaigns" toml:"campaigns"`
	location       *time.Location `yaml:"-" toml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

type GuardConfig struct {
	MinInterval Duration `yaml:"minInterval" toml:"minInterval"`
}

// MemoryConfig sets the circuit breaker thresholds in megabytes.
type MemoryConfig struct {
	Interval          Duration `yaml:"interval" toml:"interval"`
	PauseThresholdMB  float64  `yaml:"pauseThresholdMB" toml:"pauseThresholdMB"`
	ResumeThresholdMB float64  `yaml:"resumeThresholdMB" toml:"resumeThresholdMB"`
}

// CampaignConfig is the file form of domain.CampaignPolicy.
type CampaignConfig struct {
	Stages        []StageConfig `yaml:"stages" toml:"stages"`
	AbandonAfter  Duration      `yaml:"abandonAfter" toml:"abandonAfter"`
	MaxRetries    int           `yaml:"maxRetries" toml:"maxRetries"`
	MinScore      float64       `yaml:"minScore" toml:"minScore"`
	ServiceTypes  []string      `yaml:"serviceTypes" toml:"serviceTypes"`
	AutoEnroll    bool          `yaml:"autoEnroll" toml:"autoEnroll"`
	ValuePerTouch float64       `yaml:"valuePerTouch" toml:"valuePerTouch"`
}

type StageConfig struct {
	Dwell   Duration `yaml:"dwell" toml:"dwell"`
	Channel string   `yaml:"channel" toml:"channel"`
}

// ChannelsConfig groups outbound delivery settings.
type ChannelsConfig struct {
	Email    EmailConfig    `yaml:"email" toml:"email"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp" toml:"whatsapp"`
	Reddit   RedditConfig   `yaml:"reddit" toml:"reddit"`
}

type EmailConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	From     string `yaml:"from" toml:"from"`
}

type WhatsAppConfig struct {
	Endpoint      string `yaml:"endpoint" toml:"endpoint"`
	PhoneNumberID string `yaml:"phoneNumberId" toml:"phoneNumberId"`
	Token         string `yaml:"token" toml:"token"`
}

type RedditConfig struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	Token     string `yaml:"token" toml:"token"`
	UserAgent string `yaml:"userAgent" toml:"userAgent"`
	Subject   string `yaml:"subject" toml:"subject"`
}

// NotificationConfig encapsulates operator channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram" toml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken    string `yaml:"botToken" toml:"botToken"`
	ChatID      string `yaml:"chatId" toml:"chatId"`
	APIEndpoint string `yaml:"apiEndpoint" toml:"apiEndpoint"`
}

// MLConfig describes the lead scoring service.
type MLConfig struct {
	InferenceURL string `yaml:"inferenceUrl" toml:"inferenceUrl"`
	APIKey       string `yaml:"apiKey" toml:"apiKey"`
}

// ChatGPTConfig defines how to contact the ChatGPT API for message drafting.
type ChatGPTConfig struct {
	Endpoint     string `yaml:"endpoint" toml:"endpoint"`
	Model        string `yaml:"model" toml:"model"`
	APIKey       string `yaml:"apiKey" toml:"apiKey"`
	SystemPrompt string `yaml:"systemPrompt" toml:"systemPrompt"`
}

// Load reads the YAML or TOML file at path (if any) over the defaults,
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(path, raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.bindTimezone(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode applies the file over cfg. Campaign blocks are decoded key by key over
// the matching default campaign, so a partial block keeps the unspecified fields.
func decode(path string, raw []byte, cfg *Config) error {
	defaults := maps.Clone(cfg.Campaigns)
	merged := make(map[string]CampaignConfig, len(defaults))
	maps.Copy(merged, defaults)
	campaign := func(name string) CampaignConfig {
		cc := defaults[name]
		cc.Stages = slices.Clone(cc.Stages)
		cc.ServiceTypes = slices.Clone(cc.ServiceTypes)
		return cc
	}

	if strings.ToLower(filepath.Ext(path)) == ".toml" {
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return err
		}
		var doc struct {
			Campaigns map[string]map[string]any `toml:"campaigns"`
		}
		if err := toml.Unmarshal(raw, &doc); err != nil {
			return err
		}
		cfg.Campaigns = merged
		for name, section := range doc.Campaigns {
			block, err := toml.Marshal(section)
			if err != nil {
				return fmt.Errorf("campaign %s: %w", name, err)
			}
			cc := campaign(name)
			if err := toml.Unmarshal(block, &cc); err != nil {
				return fmt.Errorf("campaign %s: %w", name, err)
			}
			cfg.Campaigns[name] = cc
		}
		return nil
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return err
	}
	var doc struct {
		Campaigns map[string]yaml.Node `yaml:"campaigns"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	cfg.Campaigns = merged
	for name, node := range doc.Campaigns {
		cc := campaign(name)
		if err := node.Decode(&cc); err != nil {
			return fmt.Errorf("campaign %s: %w", name, err)
		}
		cfg.Campaigns[name] = cc
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}

	if v := os.Getenv(chatGPTAPIKeyEnv); v != "" {
		c.ChatGPT.APIKey = v
	}

	if v := os.Getenv(smtpPasswordEnv); v != "" {
		c.Channels.Email.Password = v
	}

	if v := os.Getenv(whatsAppTokenEnv); v != "" {
		c.Channels.WhatsApp.Token = v
	}

	if v := os.Getenv(redditTokenEnv); v != "" {
		c.Channels.Reddit.Token = v
	}

	if v := os.Getenv(httpListenEnv); v != "" {
		c.HTTP.Listen = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) bindTimezone() error {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("scheduler timezone %q: %w", tz, err)
	}
	c.Scheduler.location = loc
	return nil
}

// Validate rejects configuration the scheduler could never run.
func (c Config) Validate() error {
	var errs []error

	if c.Scheduler.CronExpression == "" && c.Scheduler.Interval.Duration <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.Cooldown.Duration < 0 {
		errs = append(errs, errors.New("scheduler.cooldown must not be negative"))
	}
	if c.Guard.MinInterval.Duration < 0 {
		errs = append(errs, errors.New("guard.minInterval must not be negative"))
	}
	if c.Scheduler.CronExpression == "" && c.Scheduler.Interval.Duration > 0 &&
		c.Scheduler.Interval.Duration < c.Guard.MinInterval.Duration {
		errs = append(errs, fmt.Errorf("scheduler.interval (%s) is shorter than guard.minInterval (%s): every tick would be rate-limited",
			c.Scheduler.Interval.Duration, c.Guard.MinInterval.Duration))
	}
	if c.Memory.Interval.Duration <= 0 {
		errs = append(errs, errors.New("memory.interval must be positive"))
	}
	if c.Memory.PauseThresholdMB <= 0 || c.Memory.ResumeThresholdMB <= 0 {
		errs = append(errs, errors.New("memory thresholds must be positive"))
	} else if c.Memory.ResumeThresholdMB >= c.Memory.PauseThresholdMB {
		errs = append(errs, fmt.Errorf("memory.resumeThresholdMB (%v) must be below pauseThresholdMB (%v)",
			c.Memory.ResumeThresholdMB, c.Memory.PauseThresholdMB))
	}

	if _, err := c.Policies(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Scheduler.Campaigns) == 0 {
		errs = append(errs, errors.New("scheduler.campaigns must name at least one campaign"))
	}
	for _, name := range c.Scheduler.Campaigns {
		if _, ok := c.Campaigns[name]; !ok {
			errs = append(errs, fmt.Errorf("scheduler.campaigns: %q is not configured", name))
		}
	}

	return errors.Join(errs...)
}

// Policies resolves every configured campaign into its domain policy.
func (c Config) Policies() (map[domain.SequenceType]domain.CampaignPolicy, error) {
	out := make(map[domain.SequenceType]domain.CampaignPolicy, len(c.Campaigns))
	var errs []error
	for name, cc := range c.Campaigns {
		seqType, err := domain.ParseSequenceType(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("campaigns: %w", err))
			continue
		}
		policy := domain.CampaignPolicy{
			Type:          seqType,
			AbandonAfter:  cc.AbandonAfter.Duration,
			MaxRetries:    cc.MaxRetries,
			MinScore:      cc.MinScore,
			ServiceTypes:  cc.ServiceTypes,
			AutoEnroll:    cc.AutoEnroll,
			ValuePerTouch: cc.ValuePerTouch,
		}
		for _, st := range cc.Stages {
			policy.Stages = append(policy.Stages, domain.StagePolicy{Dwell: st.Dwell.Duration, Channel: domain.Channel(st.Channel)})
		}
		if err := policy.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out[seqType] = policy
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// CampaignOrder is the sequence in which a tick runs campaigns.
func (c Config) CampaignOrder() []domain.SequenceType {
	out := make([]domain.SequenceType, 0, len(c.Scheduler.Campaigns))
	for _, name := range c.Scheduler.Campaigns {
		out = append(out, domain.SequenceType(name))
	}
	return out
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	c.Channels.Email.Password = mask(c.Channels.Email.Password)
	c.Channels.WhatsApp.Token = mask(c.Channels.WhatsApp.Token)
	c.Channels.Reddit.Token = mask(c.Channels.Reddit.Token)
	c.Notifications.Telegram.BotToken = mask(c.Notifications.Telegram.BotToken)
	c.ML.APIKey = mask(c.ML.APIKey)
	c.ChatGPT.APIKey = mask(c.ChatGPT.APIKey)
	return c
}

// Marshal renders the config as YAML, or TOML when format is "toml".
func (c Config) Marshal(format string) ([]byte, error) {
	if strings.EqualFold(format, "toml") {
		return toml.Marshal(c)
	}
	return yaml.Marshal(c)
}

func stages(dwells []time.Duration, channels ...domain.Channel) []StageConfig {
	out := make([]StageConfig, len(dwells))
	for i, d := range dwells {
		out[i] = StageConfig{Dwell: dur(d), Channel: string(channels[i%len(channels)])}
	}
	return out
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{DSN: "leadnurture.db"},
		HTTP:     HTTPConfig{Listen: ":8080"},
		Scheduler: SchedulerConfig{
			Interval:    dur(45 * time.Minute),
			Timezone:    defaultTimezone,
			Cooldown:    dur(2 * time.Second),
			RunTimeout:  dur(20 * time.Minute),
			SendTimeout: dur(30 * time.Second),
			Concurrency: 4,
			HistorySize: 20,
			Campaigns:   []string{string(domain.SequenceHotLeads), string(domain.SequenceN400), string(domain.SequenceNurture)},
			location:    tz,
		},
		Guard:  GuardConfig{MinInterval: dur(5 * time.Minute)},
		Memory: MemoryConfig{Interval: dur(30 * time.Second), PauseThresholdMB: 3000, ResumeThresholdMB: 2500},
		Campaigns: map[string]CampaignConfig{
			string(domain.SequenceHotLeads): {
				Stages: stages(
					[]time.Duration{45 * time.Minute, 45 * time.Minute, 3 * time.Hour, day, 3 * day, 7 * day},
					domain.ChannelEmail, domain.ChannelWhatsApp,
				),
				AbandonAfter:  dur(45 * day),
				MaxRetries:    3,
				MinScore:      70,
				AutoEnroll:    true,
				ValuePerTouch: 15,
			},
			string(domain.SequenceN400): {
				Stages: stages(
					[]time.Duration{day, 3 * day, 7 * day, 14 * day, 30 * day},
					domain.ChannelEmail, domain.ChannelWhatsApp, domain.ChannelEmail,
				),
				AbandonAfter:  dur(90 * day),
				MaxRetries:    3,
				MinScore:      40,
				ServiceTypes:  []string{"n400"},
				AutoEnroll:    true,
				ValuePerTouch: 10,
			},
			string(domain.SequenceNurture): {
				Stages: stages(
					[]time.Duration{7 * day, 14 * day, 30 * day, 60 * day},
					domain.ChannelEmail, domain.ChannelEmail, domain.ChannelReddit,
				),
				AbandonAfter: dur(180 * day),
				MaxRetries:   5,
			},
		},
		Channels: ChannelsConfig{
			Email:    EmailConfig{Port: 587},
			WhatsApp: WhatsAppConfig{Endpoint: "https://graph.facebook.com/v19.0"},
			Reddit: RedditConfig{
				Endpoint:  "https://oauth.reddit.com",
				UserAgent: "leadnurture/1.0",
				Subject:   "Following up",
			},
		},
		ML: MLConfig{InferenceURL: "", APIKey: ""},
		ChatGPT: ChatGPTConfig{
			Endpoint:     "https://api.openai.com/v1/chat/completions",
			Model:        "gpt-4o-mini",
			APIKey:       "",
			SystemPrompt: "You write short, friendly follow-up messages for an immigration law practice. Plain text, no greeting line, under 120 words.",
		},
	}
}
