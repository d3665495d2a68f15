package env

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/golang/glog"

	"github.com/robotalks/pop.go/pkg/archive"
	"github.com/robotalks/pop.go/pkg/events"
	"github.com/robotalks/pop.go/pkg/fetcher"
	fx "github.com/robotalks/pop.go/pkg/framework"
	"github.com/robotalks/pop.go/pkg/mailbox"
	"github.com/robotalks/pop.go/pkg/netstack"
	"github.com/robotalks/pop.go/pkg/pop3"
	"github.com/robotalks/pop.go/pkg/report"
	"github.com/robotalks/pop.go/pkg/retrieval"
)

// Env is a wired retrieval environment.
type Env struct {
	Config *Config
	Source string

	Host      *netstack.Host
	Engine    *pop3.Engine
	Assembler *mailbox.Assembler
	Console   *report.Console
	Fetcher   *fetcher.Fetcher
	// Archive and Publisher are nil when not configured.
	Archive   *archive.Store
	Publisher *events.Publisher

	request retrieval.Request
}

// NewEnv creates Env from config.
func (c *Config) NewEnv() (*Env, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Debug {
		flag.Set("logtostderr", "true")
		flag.Set("v", "2")
	}
	retention, _ := retrieval.ParseRetentionPolicy(c.Account.Retention)
	secret := c.Account.Password
	if secret == "" && c.Account.Keyring != "" && c.Account.Username != "" {
		var err error
		if secret, err = LookupSecret(c.Account.Keyring, c.Account.Username, c.Account.Host); err != nil {
			return nil, err
		}
	}

	e := &Env{
		Config: c,
		Source: c.Events.Source,
		request: retrieval.Request{
			Host:        c.Account.Host,
			Credentials: retrieval.Credentials{Username: c.Account.Username, Secret: secret},
			Retention:   retention,
		},
	}
	if e.Source == "" {
		e.Source = MachineID()
	}

	e.Host = netstack.New(c.Session.Interface)
	e.Engine = pop3.New(pop3.Config{
		Port:           c.Account.Port,
		TLS:            c.Account.TLS,
		TLSSkipVerify:  c.Account.TLSSkipVerify,
		SessionTimeout: c.Session.Timeout.Duration,
	})

	var sink mailbox.Sink = mailbox.SinkFunc(func(msg *mailbox.Message) error {
		glog.Infof("message %s", msg)
		return nil
	})
	if c.Archive.Path != "" {
		store, err := archive.Open(c.Archive.Path)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		e.Archive = store
		sink = store
	}
	e.Assembler = mailbox.NewAssembler(sink)
	e.Assembler.MaxSize = c.Session.MaxMessageSize

	e.Console = report.NewConsole(os.Stdout)
	e.Console.Quiet = c.Quiet

	if len(c.Events.URLs) > 0 {
		e.Publisher = events.NewPublisher(e.Source)
		for _, u := range c.Events.URLs {
			w, err := NewWriter(u, e.Source)
			if err != nil {
				e.Close()
				return nil, fmt.Errorf("events publisher %s: %w", u, err)
			}
			e.Publisher.Add(w)
		}
	}

	e.Fetcher = fetcher.New(e.Host, e.Engine, retrieval.Consumers{e.Assembler, e.Console}, fetcher.Config{
		TickBudget:    c.Session.TickBudget,
		Deadline:      c.Session.Deadline.Duration,
		LinkTickLimit: c.Session.LinkTicks,
	})
	return e, nil
}

// MustNewEnv creates Env and fails on error.
func (c *Config) MustNewEnv() *Env {
	env, err := c.NewEnv()
	if err != nil {
		log.Fatalln(err)
	}
	return env
}

// Request is the retrieval of the configured account.
func (e *Env) Request() retrieval.Request {
	return e.request
}

// AddToLoop adds controllers/runners to loop.
func (e *Env) AddToLoop(loop *fx.Loop) {
	loop.Add(e.Fetcher, e.Console)
	if e.Publisher != nil {
		loop.Add(e.Publisher)
	}
}

// NewLoop creates a loop ticking at the configured interval with the
// env added.
func (e *Env) NewLoop() *fx.Loop {
	loop := &fx.Loop{Interval: e.Config.Session.Tick.Duration}
	return loop.Add(e)
}

// Close releases the resources. Publisher writers are closed by the
// Publisher when the loop stops.
func (e *Env) Close() error {
	var errs fx.AggregatedError
	if e.Publisher != nil && e.Fetcher == nil {
		// the loop never ran.
		for _, w := range e.Publisher.Writers() {
			if c, ok := w.(io.Closer); ok {
				errs.Add(c.Close())
			}
		}
	}
	if e.Host != nil {
		errs.Add(e.Host.Close())
	}
	if e.Archive != nil {
		errs.Add(e.Archive.Close())
	}
	return errs.Aggregate()
}
