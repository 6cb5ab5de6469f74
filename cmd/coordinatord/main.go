// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts the volunteer-computing coordinator daemon: the authorisation proxy
that fronts the pub/sub store, and the coordinator's own client attached to
every handler package (auth, workflow, performance, heartbeat).

For usage details, run coordinatord with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/yvespollah/coordinator/internal/auth"
	"github.com/yvespollah/coordinator/internal/channels"
	"github.com/yvespollah/coordinator/internal/clog"
	"github.com/yvespollah/coordinator/internal/config"
	"github.com/yvespollah/coordinator/internal/coordinator"
	"github.com/yvespollah/coordinator/internal/heartbeat"
	"github.com/yvespollah/coordinator/internal/msglog"
	"github.com/yvespollah/coordinator/internal/performance"
	"github.com/yvespollah/coordinator/internal/proxy"
	"github.com/yvespollah/coordinator/internal/store/bunt"
	"github.com/yvespollah/coordinator/internal/token"
	"github.com/yvespollah/coordinator/internal/workflow"
)

// tokenFilePath is where the coordinator's own bearer token is persisted.
const tokenFilePath = ".coordinator/redis_communication/token"

func main() {
	var configPath string
	var help, log bool

	flag.Usage = usage
	flag.StringVar(&configPath, "c", "", "path to a YAML configuration file")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&log, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help {
		usage()
		os.Exit(0)
	}
	if log {
		clog.Enable()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: %v\n", err)
		os.Exit(1)
	}

	s, err := bunt.Open(cfg.StoreURI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: store unreachable: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	tokens := token.New(cfg.TokenSecret)
	coordinatorID := "coordinator-" + uuid.NewString()
	coordinatorToken, err := tokens.Issue(coordinatorID, token.RoleCoordinator, cfg.TokenTTL())
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: minting coordinator token: %v\n", err)
		os.Exit(1)
	}
	if err := persistToken(coordinatorToken); err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: %v\n", err)
		os.Exit(1)
	}

	catalogue := channels.NewCatalogue()
	acl := channels.NewACL(catalogue)

	listenAddr := fmt.Sprintf(":%d", cfg.ListenPort)
	upstreamAddr := fmt.Sprintf("%s:%d", cfg.UpstreamHost, cfg.UpstreamPort)
	dial := func() (net.Conn, error) { return net.Dial("tcp", upstreamAddr) }

	p := proxy.New(listenAddr, dial, acl, catalogue, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("coordinatord: terminating on signal %v...\n", sig)
		cancel()
	}()

	proxyErr := make(chan error, 1)
	go func() { proxyErr <- p.ListenAndServe(ctx) }()
	select {
	case err := <-proxyErr:
		fmt.Fprintf(os.Stderr, "coordinatord: listen-port bind failure: %v\n", err)
		os.Exit(3)
	case <-time.After(200 * time.Millisecond):
		// No immediate bind error; ListenAndServe is now blocking on Accept.
	}
	fmt.Printf("coordinatord: proxy listening on %s, upstream %s\n", listenAddr, upstreamAddr)

	msgLog := msglog.New(s)
	client := coordinator.New(fmt.Sprintf("127.0.0.1:%d", cfg.ListenPort), coordinatorID, coordinatorToken, msgLog)

	auth.New(s, tokens).Register(client)
	workflow.New(s).Register(client)
	performance.New(s).Register(client)
	hb := heartbeat.New()
	hb.Register(client)

	go hb.Run(ctx, client, coordinatorID)
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "coordinatord: coordinator client stopped: %v\n", err)
		}
	}()

	<-ctx.Done()
	if err := <-proxyErr; err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: proxy shutdown error: %v\n", err)
	}
}

func persistToken(tok string) error {
	dir := filepath.Dir(tokenFilePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := os.WriteFile(tokenFilePath, []byte(tok), 0600); err != nil {
		return fmt.Errorf("writing %s: %w", tokenFilePath, err)
	}
	return nil
}

func usage() {
	fmt.Printf(`usage: coordinatord [-h|--help] [-l] [-c configPath]

Starts the coordinator daemon: the authorisation proxy plus the
coordinator's own handlers for auth, workflow intake, performance
accounting, and heartbeat/presence tracking.

Flags:
`)
	flag.PrintDefaults()
}
