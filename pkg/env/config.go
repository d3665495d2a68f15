package env

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/robotalks/pop.go/pkg/retrieval"
)

// Account is the mailbox to retrieve from.
type Account struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// Keyring is the keyring service holding the password under
	// username@host, used when Password is empty.
	Keyring       string `toml:"keyring"`
	TLS           bool   `toml:"tls"`
	TLSSkipVerify bool   `toml:"tls_skip_verify"`
	Retention     string `toml:"retention"`
}

// Session bounds each retrieval.
type Session struct {
	Interface      string   `toml:"interface"`
	Tick           Duration `toml:"tick"`
	TickBudget     int      `toml:"tick_budget"`
	Deadline       Duration `toml:"deadline"`
	LinkTicks      int      `toml:"link_ticks"`
	Timeout        Duration `toml:"timeout"`
	MaxMessageSize int      `toml:"max_message_size"`
}

// Archive configures the message archive.
type Archive struct {
	// Path of the SQLite database, no archive when empty.
	Path string `toml:"path"`
}

// Events configures event publishing.
type Events struct {
	URLs URLList `toml:"urls"`
	// Source defaults to the machine id.
	Source string `toml:"source"`
}

// Config is the configuration of a retrieval env.
type Config struct {
	Account Account `toml:"account"`
	Session Session `toml:"session"`
	Archive Archive `toml:"archive"`
	Events  Events  `toml:"events"`

	ConfigFile string `toml:"-"`
	Debug      bool   `toml:"-"`
	Quiet      bool   `toml:"-"`
}

var defaultConfig = Config{
	Account: Account{Retention: retrieval.Preserve.String()},
	Session: Session{
		Tick:      Duration{100 * time.Millisecond},
		LinkTicks: retrieval.DefaultLinkTickLimit,
	},
}

func init() {
	if val := os.Getenv("POP_HOST"); val != "" {
		defaultConfig.Account.Host = val
	}
	if val := os.Getenv("POP_USER"); val != "" {
		defaultConfig.Account.Username = val
	}
	if val := os.Getenv("POP_PASS"); val != "" {
		defaultConfig.Account.Password = val
	}
	if val := os.Getenv("POP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			defaultConfig.Account.Port = port
		}
	}
	if val := os.Getenv("POP_EVENTS_URL"); val != "" {
		defaultConfig.Events.URLs.Set(val)
	}
	if val := os.Getenv("POP_ARCHIVE"); val != "" {
		defaultConfig.Archive.Path = val
	}
}

// SetupFlags sets command line flags.
func SetupFlags() {
	defaultConfig.RegisterFlags(flag.CommandLine)
}

// RegisterFlags binds the config to flags of fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Account.Host, "host", c.Account.Host, "POP3 server host name or IP.")
	fs.IntVar(&c.Account.Port, "port", c.Account.Port, "POP3 server port, 110 or 995 with TLS by default.")
	fs.StringVar(&c.Account.Username, "user", c.Account.Username, "Mailbox user name.")
	fs.StringVar(&c.Account.Password, "pass", c.Account.Password, "Mailbox password.")
	fs.StringVar(&c.Account.Keyring, "keyring", c.Account.Keyring, "Keyring service holding the password under user@host.")
	fs.BoolVar(&c.Account.TLS, "tls", c.Account.TLS, "Use POP3 over TLS.")
	fs.StringVar(&c.Account.Retention, "retention", c.Account.Retention, "Retention policy: preserve or delete.")
	fs.Var(&c.Session.Tick, "tick", "Loop tick interval.")
	fs.IntVar(&c.Session.TickBudget, "budget", c.Session.TickBudget, "Maximum ticks of a retrieval, 0 is unbounded.")
	fs.Var(&c.Session.Deadline, "deadline", "Maximum duration of a retrieval, 0 is none.")
	fs.IntVar(&c.Session.LinkTicks, "link-ticks", c.Session.LinkTicks, "Ticks to wait for the network link, negative waits forever.")
	fs.StringVar(&c.Archive.Path, "archive", c.Archive.Path, "SQLite archive of retrieved messages.")
	fs.Var(&c.Events.URLs, "events", "Comma separated event publisher URLs (mqtt://, ws://, file://, -).")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "TOML configuration file.")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Verbose logging to stderr.")
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	conf.Events.URLs = append(URLList(nil), defaultConfig.Events.URLs...)
	return &conf
}

// Load applies the file named by -config to the default config, keeping
// values given explicitly on the command line. Call after flag.Parse.
func Load() (*Config, error) {
	if err := defaultConfig.ApplyFile(flag.CommandLine); err != nil {
		return nil, err
	}
	return NewConfig(), nil
}

// ApplyFile loads ConfigFile, if set, and lets the flags explicitly set
// in fs win over it.
func (c *Config) ApplyFile(fs *flag.FlagSet) error {
	if c.ConfigFile == "" {
		return nil
	}
	explicit := make(map[string]string)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
	if err := c.LoadFile(c.ConfigFile); err != nil {
		return err
	}
	for name, val := range explicit {
		if err := fs.Set(name, val); err != nil {
			return fmt.Errorf("flag -%s: %w", name, err)
		}
	}
	return nil
}

// LoadFile merges a TOML file into the config. Unknown keys are errors.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := c.Decode(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Decode merges TOML data into the config.
func (c *Config) Decode(data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(c)
}

// Encode renders the config as TOML without the password.
func (c *Config) Encode() ([]byte, error) {
	conf := *c
	conf.Account.Password = ""
	return toml.Marshal(&conf)
}

// RequireAccount checks the account to retrieve from is specified.
func (c *Config) RequireAccount() error {
	if c.Account.Host == "" {
		return fmt.Errorf("POP3 server host must be specified")
	}
	if c.Account.Username == "" {
		return fmt.Errorf("mailbox user must be specified")
	}
	return c.Validate()
}

// Validate checks the settings. The account may be left empty and given
// per retrieval.
func (c *Config) Validate() error {
	if c.Account.Port < 0 || c.Account.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Account.Port)
	}
	if _, err := retrieval.ParseRetentionPolicy(c.Account.Retention); err != nil {
		return err
	}
	return nil
}

// Duration is a time.Duration in "1m30s" form for TOML and flags.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.Set(string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Set implements flag.Value.
func (d *Duration) Set(val string) error {
	dur, err := time.ParseDuration(val)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// URLList is a list of URLs given as a comma separated flag.
type URLList []string

// Set implements flag.Value. It replaces the list.
func (l *URLList) Set(val string) error {
	*l = nil
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*l = append(*l, item)
		}
	}
	return nil
}

func (l *URLList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}
