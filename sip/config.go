package sip

import (
	"io"
	"log/slog"
	"time"

	"braces.dev/errtrace"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/log"
)

// ConfigEnvPrefix is the prefix of environment variables read by [LoadConfig].
const ConfigEnvPrefix = "SIP_"

// Config is the stack configuration read from SIP_* environment variables.
// Zero durations select the defaults.
type Config struct {
	T1      time.Duration `env:"T1"`
	T2      time.Duration `env:"T2"`
	T4      time.Duration `env:"T4"`
	TimeD   time.Duration `env:"TIME_D"`
	Time100 time.Duration `env:"TIME_100"`

	TimerTick          time.Duration `env:"TIMER_TICK"`
	EarlyDialogTimeout time.Duration `env:"EARLY_DIALOG_TIMEOUT"`
	ProcessingTimeout  time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"10s"`
	ForkPolicy         ForkPolicy    `env:"FORK_POLICY"        envDefault:"ack_bye"`

	DNSServer  string        `env:"DNS_SERVER"`
	DNSTimeout time.Duration `env:"DNS_TIMEOUT"`

	LogFormat log.Format `env:"LOG_FORMAT" envDefault:"console"`
	LogLevel  slog.Level `env:"LOG_LEVEL"  envDefault:"info"`
}

// LoadConfig loads the .env files into the process environment, if any given,
// and parses the configuration from it.
// Variables already set in the environment take precedence over the files.
func LoadConfig(files ...string) (*Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return errtrace.Wrap2(ParseConfig(nil))
}

// ParseConfig parses the configuration from the environment.
// If environ is not nil, it is used instead of the process environment.
func ParseConfig(environ map[string]string) (*Config, error) {
	cfg := new(Config)
	opts := env.Options{Prefix: ConfigEnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	return cfg, nil
}

// Timings returns the SIP timing config.
func (c *Config) Timings() TimingConfig {
	return NewTimings(c.T1, c.T2, c.T4, c.TimeD, c.Time100)
}

// Logger creates the logger writing to w, stdout if nil.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return log.New(c.LogFormat, c.LogLevel, w)
}

// StackOptions returns the stack options with the logger writing to w.
func (c *Config) StackOptions(hdlr Handler, w io.Writer) *StackOptions {
	opts := &StackOptions{
		Handler:            hdlr,
		Timings:            c.Timings(),
		TimerTick:          c.TimerTick,
		ForkPolicy:         c.ForkPolicy,
		EarlyDialogTimeout: c.EarlyDialogTimeout,
		ProcessingTimeout:  c.ProcessingTimeout,
		Log:                c.Logger(w),
	}
	if c.DNSServer != "" || c.DNSTimeout != 0 {
		opts.DNSResolver = &dns.Resolver{
			NameServer: c.DNSServer,
			Timeout:    c.DNSTimeout,
		}
	}
	return opts
}
