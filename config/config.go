// Package config handles loading and validating process configuration
// using Viper, supporting environment variables and an optional YAML
// config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds every process-level setting a worker or admin binary needs.
// Per-agent settings (providers, prompts, webhooks) live in the database
// and are not represented here. Tags are used by Viper to map config file
// keys and environment variables; validate tags run after unmarshal.
type Config struct {
	Database struct {
		URL          string `mapstructure:"url" validate:"required"`
		MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1,lte=10"`
	} `mapstructure:"database"`

	Broker struct {
		URL string `mapstructure:"url" validate:"required"`
	} `mapstructure:"broker"`

	SIP struct {
		PortBase    int    `mapstructure:"port_base" validate:"gte=1024,lte=65535"`
		UserAgent   string `mapstructure:"user_agent"`
		GatewayURL  string `mapstructure:"gateway_url"`
		HoldWAVPath string `mapstructure:"hold_wav_path"`
	} `mapstructure:"sip"`

	Providers struct {
		STTAPIKey      string `mapstructure:"stt_api_key"`
		LLMAPIKey      string `mapstructure:"llm_api_key"`
		TTSAPIKey      string `mapstructure:"tts_api_key"`
		EmbeddingModel string `mapstructure:"embedding_model"`
	} `mapstructure:"providers"`

	LiveKit struct {
		URL       string `mapstructure:"url" validate:"required"`
		APIKey    string `mapstructure:"api_key" validate:"required"`
		APISecret string `mapstructure:"api_secret" validate:"required"`
	} `mapstructure:"livekit"`

	Guardian struct {
		Key              string  `mapstructure:"key"`
		HandoffThreshold float64 `mapstructure:"handoff_threshold" validate:"gte=0,lte=1"`
		AlertWebhookURL  string  `mapstructure:"alert_webhook_url" validate:"omitempty,url"`
	} `mapstructure:"guardian"`

	Twilio struct {
		AccountSID string `mapstructure:"account_sid"`
		AuthToken  string `mapstructure:"auth_token"`
		SMSFrom    string `mapstructure:"sms_from"`
		SMSTo      string `mapstructure:"sms_to"`
	} `mapstructure:"twilio"`

	Admin struct {
		Addr string `mapstructure:"addr" validate:"required"`
	} `mapstructure:"admin"`

	Telemetry struct {
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
		Stdout       bool   `mapstructure:"stdout"`
	} `mapstructure:"telemetry"`

	Worker struct {
		ID                string        `mapstructure:"id"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	} `mapstructure:"worker"`
}

// Load reads configuration from an optional config.yaml (searched in the
// given paths plus the current directory) and environment variables with
// the VOXNEXUS_ prefix (e.g. VOXNEXUS_DATABASE_URL), then validates the
// result.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()

	// Every key gets a default so Viper knows about it; env overrides are
	// only applied to known keys during Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("broker.url", "redis://localhost:6379/0")
	v.SetDefault("sip.port_base", 5060)
	v.SetDefault("sip.user_agent", "voxnexus/1.0")
	v.SetDefault("providers.embedding_model", "text-embedding-3-small")
	v.SetDefault("sip.gateway_url", "")
	v.SetDefault("sip.hold_wav_path", "")
	v.SetDefault("providers.stt_api_key", "")
	v.SetDefault("providers.llm_api_key", "")
	v.SetDefault("providers.tts_api_key", "")
	v.SetDefault("livekit.url", "")
	v.SetDefault("livekit.api_key", "")
	v.SetDefault("livekit.api_secret", "")
	v.SetDefault("guardian.key", "")
	v.SetDefault("guardian.handoff_threshold", 0.75)
	v.SetDefault("guardian.alert_webhook_url", "")
	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.sms_from", "")
	v.SetDefault("twilio.sms_to", "")
	v.SetDefault("admin.addr", ":8080")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("VOXNEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unable to decode config into struct: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs the struct-tag validation rules against cfg, returning the
// first field failure as a descriptive error.
func Validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("config: field %s failed %q validation", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("config: validation: %w", err)
}
