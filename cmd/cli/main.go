// Command schoolsync is a CLI host for the client network core.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/client"
	"github.com/and161185/schoolsync/internal/config"
	"github.com/and161185/schoolsync/internal/errs"
	"github.com/and161185/schoolsync/internal/model"
	"github.com/and161185/schoolsync/internal/offline"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `schoolsync CLI
Usage:
  schoolsync [-api URL] [-data-dir DIR] [-offline] [-v] <cmd> [args]

Commands:
  version
  register   -e <email> -p <password>
  login      -e <email> -p <password>
  logout     [-full]                              (-full also forgets the device)
  status
  call       -m <method> -path </api/...> [-file <json>|-]
  create     -type <entity> [-id <id>] [-file <json>|-]
  update     -type <entity> -id <id> -file <json>|-
  delete     -type <entity> -id <id>
  book       -at <RFC3339> -instructor <id> [-minutes 90] [-note ...]
  cancel     -id <booking id>
  profile    -field <name> -value <value>
  queue                                           (list pending operations)
  sync                                            (drain the queue once)
  watch      [-every 1m]                          (drain periodically until Ctrl-C)
`)
}

// errUsage marks argument errors; main exits with status 2 on them.
var errUsage = errors.New("usage")

func usageErr(format string, a ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, a...))
}

// ---- main ----

// main dispatches subcommands; see run.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		usage(os.Stderr)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries what every command needs.
type app struct {
	cli *client.Client
	out io.Writer
	err io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("schoolsync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.APIBase, "api", cfg.APIBase, "API base URL")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "local data directory")
	fs.StringVar(&cfg.AppID, "app-id", cfg.AppID, "app identity sent with every request")
	fs.BoolVar(&cfg.AllowInsecure, "allow-insecure", cfg.AllowInsecure, "permit plaintext credential storage")
	forceOffline := fs.Bool("offline", false, "queue writes instead of sending them")
	verbose := fs.Bool("v", false, "debug logging to stderr")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return usageErr("%v", err)
	}
	if fs.NArg() < 1 {
		return usageErr("missing command")
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "version" {
		fmt.Fprintf(stdout, "schoolsync %s (%s)\n", version, buildDate)
		return nil
	}

	log := zap.NewNop()
	if *verbose {
		zc := zap.NewDevelopmentConfig()
		zc.OutputPaths = []string{"stderr"}
		if log, err = zc.Build(); err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
	}

	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	c, err := client.New(ctx, client.Options{
		Config: *cfg,
		Logger: log,
		OnSessionExpired: func(context.Context) {
			fmt.Fprintln(stderr, "session expired; run `schoolsync login` again")
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()
	c.SetOffline(*forceOffline)

	a := &app{cli: c, out: stdout, err: stderr}
	switch cmd {
	case "register":
		return a.register(ctx, rest)
	case "login":
		return a.login(ctx, rest)
	case "logout":
		return a.logout(ctx, rest)
	case "status":
		return a.status(ctx)
	case "call":
		return a.call(ctx, rest)
	case "create":
		return a.mutate(ctx, model.OpCreate, rest)
	case "update":
		return a.mutate(ctx, model.OpUpdate, rest)
	case "delete":
		return a.mutate(ctx, model.OpDelete, rest)
	case "book":
		return a.book(ctx, rest)
	case "cancel":
		return a.cancel(ctx, rest)
	case "profile":
		return a.profile(ctx, rest)
	case "queue":
		return a.queue(ctx)
	case "sync":
		return a.sync(ctx)
	case "watch":
		return a.watch(ctx, rest)
	default:
		return usageErr("unknown command %q", cmd)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return usageErr("%s: %v", fs.Name(), err)
	}
	return nil
}

func credFlags(name string, args []string) (email, password string, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	e := fs.String("e", "", "email")
	p := fs.String("p", "", "password")
	if err := parseFlags(fs, args); err != nil {
		return "", "", err
	}
	if *e == "" || *p == "" {
		return "", "", usageErr("%s: need -e and -p", name)
	}
	return *e, *p, nil
}

func (a *app) register(ctx context.Context, args []string) error {
	email, password, err := credFlags("register", args)
	if err != nil {
		return err
	}
	if err := a.cli.Register(ctx, email, password); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "registered")
	return nil
}

func (a *app) login(ctx context.Context, args []string) error {
	email, password, err := credFlags("login", args)
	if err != nil {
		return err
	}
	res, err := a.cli.Login(ctx, email, password)
	if err != nil {
		if errors.Is(err, errs.ErrRateLimited) {
			return fmt.Errorf("too many attempts, try again later: %w", err)
		}
		return err
	}
	fmt.Fprintf(a.out, "logged in as %s (%s)\n", res.Email, res.UserID)
	return nil
}

func (a *app) logout(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	full := fs.Bool("full", false, "also forget this device and drop queued writes")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := a.cli.Logout(ctx, *full); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "ok")
	return nil
}

func (a *app) status(ctx context.Context) error {
	st, err := a.cli.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(a.out, st)
	return nil
}

func (a *app) call(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	method := fs.String("m", http.MethodGet, "HTTP method")
	path := fs.String("path", "", "path relative to the API base")
	file := fs.String("file", "", "JSON body file, - for stdin")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *path == "" {
		return usageErr("call: need -path")
	}
	var body any
	if *file != "" {
		raw, err := readAll(*file)
		if err != nil {
			return err
		}
		body = json.RawMessage(raw)
	}
	res, err := a.cli.Do(ctx, a.cli.NewRequest(strings.ToUpper(*method), *path, body))
	if err != nil {
		return err
	}
	a.printBody(res.Status, res.Body)
	return nil
}

func (a *app) mutate(ctx context.Context, kind model.OpKind, args []string) error {
	fs := flag.NewFlagSet(string(kind), flag.ContinueOnError)
	typ := fs.String("type", "", "entity type")
	id := fs.String("id", "", "entity id")
	file := fs.String("file", "", "JSON payload file, - for stdin")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	op := model.QueuedOperation{Operation: kind, EntityType: *typ, EntityID: *id}
	if *file != "" {
		raw, err := readAll(*file)
		if err != nil {
			return err
		}
		if !json.Valid(raw) {
			return usageErr("%s: payload is not valid JSON", kind)
		}
		op.Payload = raw
	}
	return a.send(ctx, op)
}

// send runs op through the client and reports whether it was queued.
func (a *app) send(ctx context.Context, op model.QueuedOperation) error {
	if err := op.Validate(); err != nil {
		return usageErr("%v", err)
	}
	queued, res, err := a.cli.Mutate(ctx, op)
	if err != nil {
		return err
	}
	if queued {
		n, _ := a.cli.Queue().Len(ctx)
		fmt.Fprintf(a.out, "queued (%d pending)\n", n)
		return nil
	}
	a.printBody(res.Status, res.Body)
	return nil
}

func (a *app) printBody(status int, body []byte) {
	if len(body) == 0 {
		fmt.Fprintln(a.out, status)
		return
	}
	fmt.Fprintln(a.out, pretty(body))
}

func (a *app) queue(ctx context.Context) error {
	ops, err := a.cli.Queue().ListPending(ctx)
	if err != nil {
		return err
	}
	if ops == nil {
		ops = []model.QueuedOperation{}
	}
	printJSON(a.out, ops)
	return nil
}

func (a *app) sync(ctx context.Context) error {
	res, err := a.cli.Sync(ctx)
	if err != nil {
		return err
	}
	a.printResult(res)
	return nil
}

func (a *app) printResult(res offline.Result) {
	fmt.Fprintf(a.out, "processed=%d failed=%d server_changes=%d\n", res.Processed, res.Failed, len(res.ServerChanges))
}

func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	every := fs.Duration("every", 0, "interval (default from config)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	h := a.cli.StartSync(*every, func(st model.SyncState, res offline.Result, err error) {
		if err != nil {
			fmt.Fprintf(a.err, "%s sync failed: %v (pending %d)\n", time.Now().Format(time.TimeOnly), err, st.PendingCount)
			return
		}
		fmt.Fprintf(a.out, "%s ", time.Now().Format(time.TimeOnly))
		a.printResult(res)
	})
	select {
	case <-ctx.Done():
		h.Stop()
		<-h.Done()
		return nil
	case <-h.Done():
		return errs.ErrSessionExpired
	}
}
