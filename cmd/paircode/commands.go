package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/pflag"

	"paircode/internal/discovery"
	"paircode/internal/editsync"
	"paircode/internal/model"
	"paircode/internal/session"
)

const syncTimeout = 5 * time.Second

func createFlags(fs *pflag.FlagSet) {
	fs.String("language", string(model.LanguagePython), "python, javascript, typescript or java")
}

func completeFlags(fs *pflag.FlagSet) {
	fs.Int("cursor", -1, "rune offset of the cursor (default: end of buffer)")
}

func discoverFlags(fs *pflag.FlagSet) {
	fs.Duration("timeout", 3*time.Second, "how long to listen for advertisements")
}

func needArgs(args []string, n int, usage string) error {
	if len(args) != n {
		return fmt.Errorf("usage: paircode %s", usage)
	}
	return nil
}

func runCreate(env *cliEnv, fs *pflag.FlagSet, args []string) error {
	if err := needArgs(args, 0, "create [--language L]"); err != nil {
		return err
	}
	lang, _ := fs.GetString("language")
	id, err := env.client.CreateSession(context.Background(), model.ParseLanguage(lang))
	if err != nil {
		return err
	}
	fmt.Fprintln(env.out, id)
	return nil
}

func runShow(env *cliEnv, _ *pflag.FlagSet, args []string) error {
	if err := needArgs(args, 1, "show <id>"); err != nil {
		return err
	}
	sess, err := env.client.GetSession(context.Background(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(env.out)
	enc.SetIndent("", "  ")
	return enc.Encode(sess)
}

func runWatch(env *cliEnv, _ *pflag.FlagSet, args []string) error {
	if err := needArgs(args, 1, "watch <id>"); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := session.Open(ctx, env.deps(), args[0], printUpdates(env.out))
	if err != nil {
		return err
	}
	defer v.Close()
	<-ctx.Done()
	return nil
}

// printUpdates writes the bootstrapped buffer, then every remote change and
// status transition. It is installed before the view connects so nothing the
// connection delivers is missed.
func printUpdates(out io.Writer) session.Option {
	return func(v *session.View) {
		snap := v.Snapshot()
		fmt.Fprintf(out, "--- %s (%s) ---\n%s\n", snap.SessionID, snap.Language, snap.Code)
		v.OnChange(func(s editsync.Snapshot) {
			fmt.Fprintf(out, "--- %s updated ---\n%s\n", s.SessionID, s.Code)
		})
		v.OnStatus(func(connected bool) {
			if connected {
				fmt.Fprintln(out, "[connected]")
			} else {
				fmt.Fprintf(out, "[disconnected, retry %d]\n", v.Retries())
			}
		})
	}
}

func runPush(env *cliEnv, _ *pflag.FlagSet, args []string) error {
	if err := needArgs(args, 2, "push <id> <file>"); err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	if !utf8.Valid(data) {
		return fmt.Errorf("%s is not UTF-8 text", args[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	v, err := session.Open(ctx, env.deps(), args[0])
	if err != nil {
		return err
	}
	defer v.Close()
	if err := waitLive(ctx, v); err != nil {
		return err
	}

	code := string(data)
	v.Edit(code, utf8.RuneCountInString(code))
	fmt.Fprintf(env.out, "pushed %d runes to %s\n", utf8.RuneCountInString(code), args[0])
	return nil
}

// waitLive blocks until the join frame has arrived, so it cannot overwrite
// the edit that follows.
func waitLive(ctx context.Context, v *session.View) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !v.Live() {
		select {
		case <-ctx.Done():
			return errors.New("session did not sync before timeout")
		case <-ticker.C:
		}
	}
	return nil
}

func runComplete(env *cliEnv, fs *pflag.FlagSet, args []string) error {
	if err := needArgs(args, 1, "complete <id> --cursor N"); err != nil {
		return err
	}
	ctx := context.Background()
	sess, err := env.client.GetSession(ctx, args[0])
	if err != nil {
		return err
	}
	cursor, _ := fs.GetInt("cursor")
	if n := utf8.RuneCountInString(sess.Code); cursor < 0 || cursor > n {
		cursor = n
	}
	resp, err := env.client.WithTimeout(env.cfg.Client.CompletionTimeout).Complete(ctx, model.CompletionRequest{
		Code:           sess.Code,
		CursorPosition: cursor,
		Language:       sess.Language,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(env.out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func runDiscover(env *cliEnv, fs *pflag.FlagSet, args []string) error {
	if err := needArgs(args, 0, "discover [--timeout D]"); err != nil {
		return err
	}
	timeout, _ := fs.GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	endpoints, err := discovery.Browse(ctx)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		fmt.Fprintln(env.out, "no servers found")
		return nil
	}
	for _, ep := range endpoints {
		fmt.Fprintf(env.out, "%s\t%s\n", ep.Instance, ep.URL())
	}
	return nil
}
