// Command collabctl joins a collab room from the terminal. It logs in,
// pushes the given field edits to the other participants and prints the
// room presence until interrupted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"collab-sync-server/internal/apiclient"
	"collab-sync-server/internal/collab"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server     string
	email      string
	password   string
	collection string
	item       string
	version    string
	sets       []string
	save       bool
	joinWait   time.Duration
	watch      time.Duration
}

func run() error {
	var opts options

	flagSet := pflag.NewFlagSet("collabctl", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", envOr("COLLAB_SERVER", "http://localhost:8080"), "base URL of the collab server")
	flagSet.StringVar(&opts.email, "email", os.Getenv("COLLAB_EMAIL"), "account email")
	flagSet.StringVar(&opts.password, "password", os.Getenv("COLLAB_PASSWORD"), "account password")
	flagSet.StringVarP(&opts.collection, "collection", "c", "", "collection of the item (required)")
	flagSet.StringVarP(&opts.item, "item", "i", "", "primary key of the item, empty for singletons")
	flagSet.StringVar(&opts.version, "version", "", "content version key")
	flagSet.StringArrayVar(&opts.sets, "set", nil, "field=value edit to broadcast, value parsed as JSON when possible (repeatable)")
	flagSet.BoolVar(&opts.save, "save", false, "persist the edits after broadcasting them")
	flagSet.DurationVar(&opts.joinWait, "join-timeout", 10*time.Second, "how long to wait for the room to be joined")
	flagSet.DurationVar(&opts.watch, "watch", 0, "stay in the room this long, 0 waits for a signal")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if opts.collection == "" {
		return errors.New("--collection is required")
	}

	edits, err := parseSets(opts.sets)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := apiclient.New(opts.server)
	if opts.email != "" {
		if _, err := client.Login(ctx, opts.email, opts.password); err != nil {
			return fmt.Errorf("failed to log in: %w", err)
		}
	}
	if err := client.Rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to load server settings: %w", err)
	}
	if !client.CollabEnabled(ctx) {
		return errors.New("collaboration is disabled on this server")
	}

	item := optional(opts.item)
	version := optional(opts.version)
	socket := collab.Shared(client.WebSocketURL(), nil)
	defer socket.Disconnect()

	var session *collab.Session
	var presenceMu sync.Mutex
	lastPresence := ""
	session = collab.New(collab.Options{
		Socket:     socket,
		Users:      client,
		Flags:      client,
		Relations:  client,
		Collection: opts.collection,
		Item:       item,
		Version:    version,
		Refetch: func(ctx context.Context) (map[string]any, error) {
			if item == nil {
				return nil, errors.New("singleton refetch is not supported")
			}
			return client.ReadItem(ctx, opts.collection, *item, version)
		},
		Notify: func(message string) {
			log.Printf("[Collab] %s", message)
		},
		NavigateAway: func() {
			log.Printf("[Collab] item was deleted, leaving")
			stop()
		},
		OnChange: func() {
			if session == nil {
				return
			}
			presenceMu.Lock()
			defer presenceMu.Unlock()
			if presence := describe(session); presence != lastPresence {
				lastPresence = presence
				fmt.Println(presence)
			}
		},
	})
	defer session.Close()

	if item != nil {
		current, err := client.ReadItem(ctx, opts.collection, *item, version)
		if err != nil {
			return fmt.Errorf("failed to read item: %w", err)
		}
		session.SetInitialValues(current)
	}

	if err := session.Activate(ctx); err != nil {
		return err
	}
	if err := waitJoined(ctx, session, opts.joinWait); err != nil {
		return err
	}
	log.Printf("[Collab] joined room %s as %s", session.Room(), session.ConnectionID())

	for _, name := range sortedKeys(edits) {
		field := session.Field(name)
		field.OnFocus()
		field.OnFieldUpdate(edits[name])
		field.OnBlur()
	}

	if opts.save && len(edits) > 0 {
		if item == nil {
			return errors.New("--save needs --item")
		}
		if _, err := client.UpdateItem(ctx, opts.collection, *item, version, session.Edits()); err != nil {
			return fmt.Errorf("failed to save: %w", err)
		}
		log.Printf("[Collab] saved %d field(s)", len(edits))
	}

	if opts.watch > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(opts.watch):
		}
	} else {
		<-ctx.Done()
	}
	return nil
}

func waitJoined(ctx context.Context, session *collab.Session, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for session.State() != collab.Joined {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("room not joined after %s", timeout)
		case <-ticker.C:
		}
	}
	return nil
}

// parseSets turns field=value pairs into edits. Values that are valid
// JSON keep their type, anything else is a string.
func parseSets(sets []string) (map[string]any, error) {
	edits := make(map[string]any, len(sets))
	for _, set := range sets {
		name, raw, ok := strings.Cut(set, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --set %q, want field=value", set)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		edits[name] = value
	}
	return edits, nil
}

func describe(session *collab.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", session.State())
	for _, p := range session.Users() {
		fmt.Fprintf(&b, " %s(%s)", p.Name(), p.Color)
	}
	focuses := session.Focuses()
	for _, conn := range sortedKeys(focuses) {
		fmt.Fprintf(&b, " %s@%s", conn, focuses[conn])
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `collabctl joins the collab room of an item and broadcasts field edits.

Usage:
  collabctl --collection articles --item 1 [flags]

Examples:
  # Watch who is editing article 1
  collabctl -c articles -i 1 --email me@example.com --password secret

  # Push a title change to everyone in the room and save it
  collabctl -c articles -i 1 --set title='"Hello"' --save --watch 5s

Flags:
%s`, flagSet.FlagUsages())
}
