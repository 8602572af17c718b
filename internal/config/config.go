package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
	"go.miloapis.com/email-provider-mailchimp/pkg/version"
)

// EnvPrefix is prepended to every environment variable, e.g. MAILCHIMP_API_KEY.
const EnvPrefix = "MAILCHIMP"

type Config struct {
	APIKey           string
	DefaultList      string
	SSL              bool
	TransportOptions map[string]string
	WebhookSecret    string
}

// LoadOptions contains options for loading configuration
type LoadOptions struct {
	// ConfigFile is an optional YAML file; environment variables override it.
	ConfigFile string
}

// Load reads the configuration from the optional file and the environment
// and validates the API settings.
func Load(opts LoadOptions) (*Config, error) {
	cfg, err := read(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWebhook reads the same sources as Load but only requires the webhook secret.
func LoadWebhook(opts LoadOptions) (*Config, error) {
	cfg, err := read(opts)
	if err != nil {
		return nil, err
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%s_WEBHOOK_SECRET (webhook_secret) is required", EnvPrefix)
	}
	return cfg, nil
}

func read(opts LoadOptions) (*Config, error) {
	v := viper.New()

	v.SetDefault("ssl", true)
	v.SetDefault("transport_options", map[string]string{"user-agent": version.UserAgent()})

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Config{
		APIKey:           strings.TrimSpace(v.GetString("api_key")),
		DefaultList:      strings.TrimSpace(v.GetString("default_list")),
		SSL:              v.GetBool("ssl"),
		TransportOptions: v.GetStringMapString("transport_options"),
		WebhookSecret:    v.GetString("webhook_secret"),
	}, nil
}

// Validate checks the required values.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%s_API_KEY (api_key) is required", EnvPrefix)
	}
	if c.DefaultList == "" {
		return fmt.Errorf("%s_DEFAULT_LIST (default_list) is required", EnvPrefix)
	}
	return nil
}

// ClientConfig returns the values the Mailchimp client is built from.
func (c *Config) ClientConfig() mailchimp.Config {
	return mailchimp.Config{
		APIKey:           c.APIKey,
		DefaultListID:    c.DefaultList,
		SSL:              c.SSL,
		TransportOptions: c.TransportOptions,
	}
}

// NewClient builds the Mailchimp client from the configuration.
func (c *Config) NewClient(opts ...mailchimp.ClientOption) (*mailchimp.Client, error) {
	return mailchimp.NewClient(c.ClientConfig(), opts...)
}
