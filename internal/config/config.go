package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const fileName = "fiadopay.yml"

// Config models fiadopay.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr" validate:"required"`
		BasePath  string `yaml:"base_path" validate:"required,startswith=/"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Pipeline struct {
		Workers     int      `yaml:"workers" validate:"min=1,max=256"`
		PoolQueue   int      `yaml:"pool_queue" validate:"min=1"`
		GracePeriod Duration `yaml:"grace_period"`
	} `yaml:"pipeline"`
	Processing struct {
		SettleDelay                Duration `yaml:"settle_delay"`
		CardMonthlyInterestPercent float64  `yaml:"card_monthly_interest_percent" validate:"gte=0"`
	} `yaml:"processing"`
	AntiFraud struct {
		HighAmount struct {
			Threshold float64 `yaml:"threshold" validate:"gt=0"`
		} `yaml:"high_amount"`
		Disabled []string `yaml:"disabled"`
	} `yaml:"antifraud"`
	Webhook struct {
		Timeout Duration `yaml:"timeout"`
		Secret  string   `yaml:"secret"`
	} `yaml:"webhook"`
	Log struct {
		Level  string `yaml:"level" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" validate:"oneof=json text"`
	} `yaml:"log"`
}

// Duration is a time.Duration that reads "5s" style strings from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	var err error
	if verr := validate.Struct(c); verr != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(verr, &fieldErrs) {
			for _, fe := range fieldErrs {
				err = multierr.Append(err, fmt.Errorf("config %s failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			err = multierr.Append(err, verr)
		}
	}
	if c.Pipeline.GracePeriod < 0 {
		err = multierr.Append(err, fmt.Errorf("config.pipeline.grace_period must not be negative"))
	}
	if c.Processing.SettleDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("config.processing.settle_delay must not be negative"))
	}
	if c.Webhook.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("config.webhook.timeout must be positive"))
	}
	for _, name := range c.AntiFraud.Disabled {
		if strings.TrimSpace(name) == "" {
			err = multierr.Append(err, fmt.Errorf("config.antifraud.disabled contains an empty rule name"))
		}
	}
	return err
}

// RuleDisabled reports whether an anti-fraud rule is switched off.
func (c *Config) RuleDisabled(name string) bool {
	for _, d := range c.AntiFraud.Disabled {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return true
		}
	}
	return false
}

// HighAmountThreshold returns the high_amount rule threshold as a decimal.
func (c *Config) HighAmountThreshold() decimal.Decimal {
	return decimal.NewFromFloat(c.AntiFraud.HighAmount.Threshold)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fiadopay config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""

pipeline:
  workers: 4
  pool_queue: 64
  grace_period: 5s

processing:
  settle_delay: 0s
  card_monthly_interest_percent: 1.0

antifraud:
  high_amount:
    threshold: 1000.00
  disabled: []

webhook:
  timeout: 5s
  secret: ""

log:
  level: info
  format: json
`
