// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
coordinatorctl is the coordinator operator tool: mint and inspect bearer
tokens, dump the authoritative channel catalogue, and tail the message log
of a running coordinator's store.

For usage details, run coordinatorctl with the command line flag -h or
--help.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/yvespollah/coordinator/internal/channels"
	"github.com/yvespollah/coordinator/internal/config"
	"github.com/yvespollah/coordinator/internal/model"
	"github.com/yvespollah/coordinator/internal/store/bunt"
	"github.com/yvespollah/coordinator/internal/token"
)

func main() {
	var configPath string
	var help bool
	flag.Usage = usage
	flag.StringVar(&configPath, "c", "", "path to a YAML configuration file")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.Parse()

	command := flag.Arg(0)
	if help || command == "" {
		usage()
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinatorctl: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()[1:]
	switch command {
	case "catalogue":
		cmdCatalogue()
	case "mint-token":
		cmdMintToken(cfg, args)
	case "inspect-token":
		cmdInspectToken(cfg, args)
	case "tail-log":
		cmdTailLog(cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "coordinatorctl: unknown command %q\n", command)
		usage()
		os.Exit(1)
	}
}

func cmdCatalogue() {
	cat := channels.NewCatalogue()
	all := cat.All()
	names := make([]string, 0, len(all))
	for ch := range all {
		names = append(names, ch)
	}
	sort.Strings(names)
	for _, ch := range names {
		fmt.Printf("%-40s %s\n", ch, setName(all[ch]))
	}
}

func setName(s channels.Set) string {
	switch s {
	case channels.Open:
		return "open"
	case channels.Manager:
		return "manager"
	case channels.Volunteer:
		return "volunteer"
	default:
		return "unknown"
	}
}

func cmdMintToken(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("mint-token", flag.ExitOnError)
	subject := fs.String("subject", "", "token subject (required)")
	role := fs.String("role", "", "coordinator|manager|volunteer (required)")
	ttlHours := fs.Int("ttl", cfg.TokenTTLHours, "token lifetime in hours")
	fs.Parse(args)

	if *subject == "" || *role == "" {
		fmt.Fprintln(os.Stderr, "coordinatorctl: mint-token requires -subject and -role")
		os.Exit(1)
	}
	r := token.Role(*role)
	if r != token.RoleCoordinator && r != token.RoleManager && r != token.RoleVolunteer {
		fmt.Fprintf(os.Stderr, "coordinatorctl: unknown role %q\n", *role)
		os.Exit(1)
	}

	tokens := token.New(cfg.TokenSecret)
	tok, err := tokens.Issue(*subject, r, time.Duration(*ttlHours)*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinatorctl: minting token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

func cmdInspectToken(cfg config.Config, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "coordinatorctl: inspect-token requires a token argument")
		os.Exit(1)
	}
	tokens := token.New(cfg.TokenSecret)
	payload, ok := tokens.Verify(args[0])
	if !ok {
		fmt.Fprintln(os.Stderr, "coordinatorctl: token is invalid, unsigned, or expired")
		os.Exit(1)
	}
	fmt.Printf("subject:    %s\n", payload.Subject)
	fmt.Printf("role:       %s\n", payload.Role)
	fmt.Printf("issued_at:  %s\n", payload.IssuedAt.Format(time.RFC3339))
	fmt.Printf("expires_at: %s\n", payload.ExpiresAt.Format(time.RFC3339))
}

func cmdTailLog(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("tail-log", flag.ExitOnError)
	n := fs.Int("n", 20, "number of most recent entries to show")
	fs.Parse(args)

	s, err := bunt.Open(cfg.StoreURI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinatorctl: store unreachable: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	var entries []model.MessageLogEntry
	if err := s.FindAll("messagelog", &entries); err != nil {
		fmt.Fprintf(os.Stderr, "coordinatorctl: reading message log: %v\n", err)
		os.Exit(1)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })

	if len(entries) > *n {
		entries = entries[len(entries)-*n:]
	}
	for _, e := range entries {
		fmt.Printf("%s %-9s %-6s %-24s %s\n", e.Timestamp.Format(time.RFC3339), e.SenderType, e.MessageType, e.Channel, e.RequestID)
	}
}

func usage() {
	fmt.Printf(`usage: coordinatorctl [-h|--help] [-c configPath] <command> [arguments...]

Operator tool for an existing coordinator deployment.

Commands:
  catalogue                     dump the authoritative channel catalogue
  mint-token -subject S -role R [-ttl hours]
                                 mint a bearer token
  inspect-token <token>          decode and verify a bearer token
  tail-log [-n count]            show the most recent message log entries

Flags:
`)
	flag.PrintDefaults()
}
