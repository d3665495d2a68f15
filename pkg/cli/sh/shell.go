package sh

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/pop.go/pkg/env"
	"github.com/robotalks/pop.go/pkg/fetcher"
	fx "github.com/robotalks/pop.go/pkg/framework"
	"github.com/robotalks/pop.go/pkg/retrieval"
)

// Shell provides ishell backed interactive shell over a running loop.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	// WaitTimeout bounds waiting for an outcome in non-interactive mode.
	WaitTimeout time.Duration

	Shell  *ishell.Shell
	Config *env.Config
	Env    *env.Env
	Loop   *fx.Loop

	outcomeCh chan *retrieval.Outcome
	cancel    func()
	doneCh    chan struct{}
}

const (
	shellKey = "$shell"
	prompt   = "pop > "
)

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&FetchCmd,
		&CancelCmd,
		&StatusCmd,
		&ArchiveCmd,
		&ShowCmd,
		&SecretCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New(conf *env.Config) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,
		WaitTimeout: 10 * time.Minute,

		Shell:     ishell.New(),
		Config:    conf,
		outcomeCh: make(chan *retrieval.Outcome, 1),
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(prompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustHaveArchive wraps command func requires the archive.
func MustHaveArchive(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if ShellFrom(c).Env.Archive == nil {
			c.Err(fmt.Errorf("no archive, use -archive"))
			return
		}
		fn(c)
	}
}

// Start creates the env and runs its loop in background.
func (s *Shell) Start() error {
	e, err := s.Config.NewEnv()
	if err != nil {
		return err
	}
	e.Fetcher.OnOutcome = func(o *retrieval.Outcome) {
		select {
		case s.outcomeCh <- o:
		default:
		}
	}
	s.Env, s.Loop = e, e.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel, s.doneCh = cancel, make(chan struct{})
	go func() {
		defer close(s.doneCh)
		if err := s.Loop.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("loop: %v", err)
		}
	}()
	return nil
}

// Stop stops the loop and releases the env.
func (s *Shell) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.doneCh
	s.cancel = nil
	s.Env.Close()
}

// Fetch submits a retrieval. In non-interactive mode it waits for the
// outcome.
func (s *Shell) Fetch(req retrieval.Request) (*retrieval.Outcome, error) {
	// drop an outcome nobody waited for.
	select {
	case <-s.outcomeCh:
	default:
	}
	fetcher.Submit(s.Loop, req)
	if s.Interactive {
		return nil, nil
	}
	select {
	case o := <-s.outcomeCh:
		return o, nil
	case <-time.After(s.WaitTimeout):
		return nil, fmt.Errorf("no outcome in %s", s.WaitTimeout)
	}
}

// Print prints a value as JSON or text.
func (s *Shell) Print(c *ishell.Context, v interface{}, text string) {
	if s.OutputJSON {
		out, err := json.Marshal(v)
		if err != nil {
			c.Err(err)
			return
		}
		c.Println(string(out))
		return
	}
	c.Println(text)
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if err := s.Start(); err != nil {
		log.Fatalln(err)
	}
	defer s.Stop()
	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

// ParseFetchArgs builds a request from [HOST USER] [RETENTION] over
// the defaults of base.
func ParseFetchArgs(base retrieval.Request, args []string) (retrieval.Request, error) {
	req := base
	if len(args) > 0 {
		if policy, err := retrieval.ParseRetentionPolicy(args[len(args)-1]); err == nil {
			req.Retention = policy
			args = args[:len(args)-1]
		}
	}
	switch len(args) {
	case 0:
	case 2:
		if req.Host != args[0] || req.Credentials.Username != args[1] {
			req.Credentials.Secret = ""
		}
		req.Host, req.Credentials.Username = args[0], args[1]
	case 1:
		user, host, ok := strings.Cut(args[0], "@")
		if !ok {
			return req, fmt.Errorf("expect USER@HOST or HOST USER")
		}
		if req.Host != host || req.Credentials.Username != user {
			req.Credentials.Secret = ""
		}
		req.Host, req.Credentials.Username = host, user
	default:
		return req, fmt.Errorf("too many arguments")
	}
	if req.Host == "" {
		return req, retrieval.ErrEmptyHost
	}
	return req, nil
}

// FormatStatus renders a fetcher status.
func FormatStatus(st fetcher.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s", st.State)
	if st.SessionID != "" {
		fmt.Fprintf(&b, "\nsession: %s %s, %d message(s), %d tick(s)", st.SessionID, st.Host, st.Messages, st.Ticks)
	}
	fmt.Fprintf(&b, "\nqueued: %d, completed: %d", st.Queued, st.Completed)
	if o := st.Last; o != nil {
		fmt.Fprintf(&b, "\nlast: %s", o)
	}
	return b.String()
}

// StatusJSON is the JSON form of a fetcher status.
type StatusJSON struct {
	State     string       `json:"state"`
	SessionID string       `json:"session_id,omitempty"`
	Host      string       `json:"host,omitempty"`
	Messages  int          `json:"messages"`
	Ticks     int          `json:"ticks"`
	Queued    int          `json:"queued"`
	Completed int          `json:"completed"`
	Last      *OutcomeJSON `json:"last,omitempty"`
}

// OutcomeJSON is the JSON form of an outcome.
type OutcomeJSON struct {
	SessionID string `json:"session_id"`
	Host      string `json:"host"`
	Succeeded bool   `json:"succeeded"`
	Cause     string `json:"cause,omitempty"`
	Error     string `json:"error,omitempty"`
	Messages  int    `json:"messages"`
	Ticks     int    `json:"ticks"`
}

// NewOutcomeJSON converts an outcome.
func NewOutcomeJSON(o *retrieval.Outcome) *OutcomeJSON {
	if o == nil {
		return nil
	}
	j := &OutcomeJSON{
		SessionID: o.SessionID,
		Host:      o.Host,
		Succeeded: o.Succeeded(),
		Messages:  o.Messages,
		Ticks:     o.Ticks,
	}
	if !o.Succeeded() {
		j.Cause = o.Cause.String()
		if o.Err != nil {
			j.Error = o.Err.Error()
		}
	}
	return j
}

// NewStatusJSON converts a status.
func NewStatusJSON(st fetcher.Status) *StatusJSON {
	return &StatusJSON{
		State:     st.State.String(),
		SessionID: st.SessionID,
		Host:      st.Host,
		Messages:  st.Messages,
		Ticks:     st.Ticks,
		Queued:    st.Queued,
		Completed: st.Completed,
		Last:      NewOutcomeJSON(st.Last),
	}
}

var (
	// FetchCmd starts a retrieval.
	FetchCmd = ishell.Cmd{
		Name:    "fetch",
		Aliases: []string{"f"},
		Help:    "[HOST USER | USER@HOST] [preserve|delete]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			req, err := ParseFetchArgs(s.Env.Request(), c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			if req.Credentials.Secret == "" {
				if service := s.Config.Account.Keyring; service != "" {
					req.Credentials.Secret, err = env.LookupSecret(service, req.Credentials.Username, req.Host)
				} else if s.Interactive {
					c.Print("Password: ")
					req.Credentials.Secret = c.ReadPassword()
				}
				if err != nil {
					c.Err(err)
					return
				}
			}
			o, err := s.Fetch(req)
			if err != nil {
				c.Err(err)
				return
			}
			if o != nil && s.OutputJSON {
				s.Print(c, NewOutcomeJSON(o), "")
			}
		},
	}

	// CancelCmd cancels the current retrieval and drops queued ones.
	CancelCmd = ishell.Cmd{
		Name:    "cancel",
		Aliases: []string{"c"},
		Help:    "[REASON]",
		Func: func(c *ishell.Context) {
			reason := strings.Join(c.Args, " ")
			if reason == "" {
				reason = "cancelled from shell"
			}
			fetcher.Abort(ShellFrom(c).Loop, reason)
		},
	}

	// StatusCmd prints the fetcher status.
	StatusCmd = ishell.Cmd{
		Name:    "status",
		Aliases: []string{"st"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			st := s.Env.Fetcher.Status()
			s.Print(c, NewStatusJSON(st), FormatStatus(st))
		},
	}

	// ArchiveCmd lists archived messages.
	ArchiveCmd = ishell.Cmd{
		Name:    "archive",
		Aliases: []string{"ls"},
		Help:    "[LIMIT]",
		Func: MustHaveArchive(func(c *ishell.Context) {
			s := ShellFrom(c)
			limit := 20
			if len(c.Args) > 0 {
				n, err := strconv.Atoi(c.Args[0])
				if err != nil {
					c.Err(fmt.Errorf("invalid LIMIT: %v", err))
					return
				}
				limit = n
			}
			records, err := s.Env.Archive.List(context.Background(), limit)
			if err != nil {
				c.Err(err)
				return
			}
			if s.OutputJSON {
				s.Print(c, records, "")
				return
			}
			if len(records) == 0 {
				c.Println("No messages archived")
				return
			}
			for _, rec := range records {
				c.Printf("%s %s #%d %q from %s (%d bytes)\n",
					rec.ID, rec.FetchedAt.Format(time.RFC3339), rec.Seq, rec.Subject, rec.Sender, rec.Size)
			}
		}),
	}

	// ShowCmd prints an archived message.
	ShowCmd = ishell.Cmd{
		Name: "show",
		Help: "ID",
		Func: MustHaveArchive(func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(fmt.Errorf("ID required"))
				return
			}
			rec, err := ShellFrom(c).Env.Archive.Get(context.Background(), c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(string(rec.Raw))
		}),
	}

	// SecretCmd stores a password in the keyring.
	SecretCmd = ishell.Cmd{
		Name: "secret",
		Help: "[USER@HOST]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			service := s.Config.Account.Keyring
			if service == "" {
				c.Err(fmt.Errorf("no keyring service, use -keyring"))
				return
			}
			req, err := ParseFetchArgs(s.Env.Request(), c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			c.Print("Password: ")
			secret := c.ReadPassword()
			if err := env.StoreSecret(service, req.Credentials.Username, req.Host, secret); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		},
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	conf, err := env.Load()
	if err != nil {
		log.Fatalln(err)
	}
	New(conf).Run(flag.Args()...)
}
