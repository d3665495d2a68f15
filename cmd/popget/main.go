package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robotalks/pop.go/pkg/env"
	"github.com/robotalks/pop.go/pkg/fetcher"
	"github.com/robotalks/pop.go/pkg/retrieval"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailed   = 1
	exitTimeout  = 2
	exitSetup    = 3
	exitCanceled = 130
)

var quiet bool

func init() {
	env.SetupFlags()
	flag.BoolVar(&quiet, "q", quiet, "Don't print message lines.")
}

func exitCode(o *retrieval.Outcome) int {
	switch {
	case o == nil:
		return exitFailed
	case o.Succeeded():
		return exitOK
	case o.Cause == retrieval.CauseTimeout:
		return exitTimeout
	case o.Cause == retrieval.CauseCancelled:
		return exitCanceled
	}
	return exitFailed
}

func main() {
	flag.Parse()
	conf, err := env.Load()
	if err == nil {
		err = conf.RequireAccount()
	}
	if err != nil {
		log.Println(err)
		os.Exit(exitSetup)
	}
	conf.Quiet = quiet
	e := conf.MustNewEnv()

	var outcome *retrieval.Outcome
	e.Fetcher.StopWhenDone = true
	e.Fetcher.OnOutcome = func(o *retrieval.Outcome) { outcome = o }
	loop := e.NewLoop()
	fetcher.Submit(loop, e.Request())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fetcher.Abort(loop, "interrupted")
		<-sigCh
		os.Exit(exitCanceled)
	}()

	if err := loop.Run(context.Background()); err != nil {
		log.Println(err)
	}
	e.Close()
	os.Exit(exitCode(outcome))
}
