// ABOUTME: CLI for inspecting a storage tree: recipients, sessions, messages
// ABOUTME: Opens the encrypted database read-style and prints summaries

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/fjall/signalstore/internal/config"
	"github.com/fjall/signalstore/internal/storage"
	"github.com/fjall/signalstore/internal/store"
)

func main() {
	root := flag.String("root", "", "storage root directory (default: SIGNALSTORE_ROOT)")
	password := flag.String("password", "", "storage password (default: SIGNALSTORE_PASSWORD; empty for unencrypted)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = printUsage
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *root == "" {
		*root = os.Getenv("SIGNALSTORE_ROOT")
	}
	if *password == "" {
		*password = os.Getenv("SIGNALSTORE_PASSWORD")
	}
	if *root == "" {
		fmt.Fprintln(os.Stderr, "no storage root given")
		printUsage()
		os.Exit(1)
	}

	cmd := "summary"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	if err := run(cmd, *root, *password); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func run(cmd, root, password string) error {
	cfg := &config.Config{}
	cfg.Storage.Root = root

	ctx := context.Background()
	s, err := storage.Open(ctx, cfg, password)
	if errors.Is(err, store.ErrWrongPassword) {
		return errors.New("wrong storage password")
	}
	if err != nil {
		return err
	}
	defer s.Close()

	switch cmd {
	case "summary":
		return printSummary(ctx, s)
	case "recipients":
		return printRecipients(ctx, s)
	case "sessions":
		return printSessions(ctx, s)
	case "check":
		if err := s.VerifyIntegrity(ctx); err != nil {
			return err
		}
		color.Green("integrity ok")
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printSummary(ctx context.Context, s *storage.Storage) error {
	recipients, err := s.DB().FetchRecipients(ctx)
	if err != nil {
		return err
	}
	sessions, err := s.DB().FetchSessions(ctx)
	if err != nil {
		return err
	}

	total := 0
	for _, session := range sessions {
		messages, err := s.DB().FetchAllMessages(ctx, session.ID)
		if err != nil {
			return err
		}
		total += len(messages)
	}

	cyan := color.New(color.FgCyan)
	cyan.Println("Storage summary")
	fmt.Printf("  recipients: %d\n", len(recipients))
	fmt.Printf("  sessions:   %d\n", len(sessions))
	fmt.Printf("  messages:   %d\n", total)
	return nil
}

func printRecipients(ctx context.Context, s *storage.Storage) error {
	recipients, err := s.DB().FetchRecipients(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPHONE\tUUID\tNAME\tBLOCKED")
	for _, r := range recipients {
		name := ""
		if r.ProfileGivenName != nil {
			name = *r.ProfileGivenName
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\n", r.ID, r.E164String(), r.ACIString(), name, r.Blocked)
	}
	return w.Flush()
}

func printSessions(ctx context.Context, s *storage.Storage) error {
	sessions, err := s.DB().FetchSessions(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tTARGET\tMESSAGES\tARCHIVED")
	for _, session := range sessions {
		kind, target := "direct", ""
		switch {
		case session.IsGroupV1():
			kind, target = "group-v1", *session.GroupV1ID
		case session.IsGroupV2():
			kind, target = "group-v2", *session.GroupV2ID
		default:
			r, err := s.DB().FetchRecipient(ctx, *session.DirectMessageRecipientID)
			if err != nil {
				return err
			}
			if target = r.E164String(); target == "" {
				target = r.ACIString()
			}
		}
		messages, err := s.DB().FetchAllMessages(ctx, session.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%v\n", session.ID, kind, target, len(messages), session.IsArchived)
	}
	return w.Flush()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: signalstore-inspect [flags] [command]

Commands:
  summary     counts of recipients, sessions and messages (default)
  recipients  list recipients
  sessions    list sessions with message counts
  check       run a referential integrity check

Flags:
`)
	flag.PrintDefaults()
}
