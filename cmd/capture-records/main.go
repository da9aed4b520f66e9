// capture-records inspects and prunes the local capture record database.
//
//	capture-records [-db path] list [app]
//	capture-records malformed
//	capture-records [-remote] delete <id>...
//	capture-records [-remote] prune <age>      e.g. 7d, 36h, 90m
//	capture-records clear
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	flag "github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/capture-client/pkg/capture"
	"github.com/jnovack/capture-client/pkg/config"
	"github.com/jnovack/capture-client/pkg/logging"
	"github.com/jnovack/capture-client/pkg/remote"
	"github.com/jnovack/capture-client/pkg/store"
)

type options struct {
	db       string
	apiURL   string
	apiKey   string
	remote   bool
	limit    int
	logLevel string
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "capture-records:", err)
			os.Exit(1)
		}
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, now func() time.Time) error {
	def := config.Default()
	opts := options{db: def.DB, apiURL: def.APIURL, logLevel: "warn"}

	fs := flag.NewFlagSetWithEnvPrefix("capture-records", config.EnvPrefix, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.db, "db", opts.db, "capture record database")
	fs.StringVar(&opts.apiURL, "api-url", opts.apiURL, "REST base URL used with -remote")
	fs.StringVar(&opts.apiKey, "api-key", opts.apiKey, "api key used with -remote")
	fs.BoolVar(&opts.remote, "remote", false, "also delete screenshots on the service")
	fs.IntVar(&opts.limit, "limit", 0, "list at most this many records (0 = all)")
	fs.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logging.SetupWriter(stderr, opts.logLevel, "console")

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: capture-records [flags] list|malformed|delete|prune|clear")
	}

	st, err := store.Open(opts.db)
	if err != nil {
		return err
	}
	defer st.Close()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "list":
		return list(ctx, st, opts, cmdArgs, stdout)
	case "malformed":
		ids, err := st.Malformed(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(stdout, id)
		}
		return nil
	case "delete":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("delete needs at least one id")
		}
		return remove(ctx, st, opts, cmdArgs, stdout)
	case "prune":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("prune needs an age, e.g. 7d")
		}
		age, err := parseAge(cmdArgs[0])
		if err != nil {
			return fmt.Errorf("invalid age %q: %w", cmdArgs[0], err)
		}
		ids, err := st.DeleteBefore(ctx, now().Add(-age))
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintf(stdout, "Pruned %s\n", id)
		}
		return deleteRemote(ctx, opts, ids)
	case "clear":
		n, err := st.Clear(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Cleared %d records\n", n)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func list(ctx context.Context, st *store.Store, opts options, args []string, w io.Writer) error {
	var (
		recs []capture.Record
		err  error
	)
	if len(args) > 0 {
		recs, err = st.ListByApp(ctx, args[0], opts.limit)
	} else {
		recs, err = st.List(ctx, opts.limit)
	}
	if err != nil {
		return err
	}
	for _, r := range recs {
		e := r.Data
		committed := 0
		for _, s := range e.Screenshots {
			if s.Phase == capture.Committed {
				committed++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d committed\t%s\n",
			e.ID, e.AppID, len(e.Screenshots), capture.MaxScreenshots, committed, e.Timestamp.UTC().Format(time.RFC3339))
	}
	return nil
}

func remove(ctx context.Context, st *store.Store, opts options, ids []string, w io.Writer) error {
	for _, id := range ids {
		if err := st.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(w, "Deleted %s\n", id)
	}
	return deleteRemote(ctx, opts, ids)
}

// deleteRemote asks the service to drop screenshots for ids. Failures are
// logged per id and reported once at the end.
func deleteRemote(ctx context.Context, opts options, ids []string) error {
	if !opts.remote || len(ids) == 0 {
		return nil
	}
	rc, err := remote.New(opts.apiURL, opts.apiKey, nil)
	if err != nil {
		return err
	}
	failed := 0
	for _, id := range ids {
		if err := rc.DeleteScreenshots(ctx, id); err != nil {
			failed++
			log.Warn().Err(err).Str("entry_id", id).Msg("remote screenshot delete failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d remote deletes failed", failed, len(ids))
	}
	return nil
}

// parseAge parses strings like "7d", "3h", "30m", "45s". A leading + is
// accepted.
func parseAge(s string) (time.Duration, error) {
	if len(s) > 0 && s[0] == '+' {
		s = s[1:]
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("too short")
	}

	unit := s[len(s)-1]
	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %v", s[:len(s)-1], err)
	}
	if n < 0 {
		return 0, fmt.Errorf("age must not be negative")
	}

	switch unit {
	case 'd':
		return time.Duration(n * 24 * float64(time.Hour)), nil
	case 'h':
		return time.Duration(n * float64(time.Hour)), nil
	case 'm':
		return time.Duration(n * float64(time.Minute)), nil
	case 's':
		return time.Duration(n * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("unknown unit %q, use d (days), h, m, or s", unit)
	}
}
