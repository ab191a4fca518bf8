package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/invoker"
	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/mtzanidakis/conclave/internal/protocol"
	"github.com/mtzanidakis/conclave/internal/router"
	"github.com/mtzanidakis/conclave/internal/store"
	"github.com/mtzanidakis/conclave/internal/telegram"
	"github.com/mtzanidakis/conclave/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command, rest := os.Args[1], os.Args[2:]
	var err error
	switch command {
	case "version":
		fmt.Printf("conclave %s\n", version)
		return
	case "run":
		err = runTask(parseArgs(rest))
	case "serve":
		err = runServe()
	case "worker":
		err = runWorker(parseArgs(rest))
	case "export":
		err = runExport(parseArgs(rest))
	case "backup":
		err = runBackup(rest)
	case "restore":
		err = runRestore(rest)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(command+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: conclave <command>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, `  run      --kind voting --task "..." [--participants a,b,c] [--budget N] [--model M] [--id ID]`)
	fmt.Fprintln(os.Stderr, "  serve    Start the gateway: engine, web API and telegram bot")
	fmt.Fprintln(os.Stderr, "  worker   [--url nats://...] Serve model invocations from the bus")
	fmt.Fprintln(os.Stderr, `  export   --run ID [--out file] [--compress zstd]`)
	fmt.Fprintln(os.Stderr, "  backup   -f <output.tar.zst>  Archive the store and run workspaces")
	fmt.Fprintln(os.Stderr, "  restore  -f <input.tar.zst> [-overwrite]")
	fmt.Fprintln(os.Stderr, "  version  Print version")
}

// parseArgs reads "--key value" pairs; anything else is ignored.
func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(newLogHandler(cfg.Log)))
	return cfg, nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// app is the shared wiring of run and serve.
type app struct {
	cfg    *config.Config
	db     *store.Store
	bus    *natsbus.Bus
	client *natsbus.Client
	inv    router.Invoker
	close  []func()
}

func (rt *app) Close() {
	for i := len(rt.close) - 1; i >= 0; i-- {
		rt.close[i]()
	}
}

func setup(cfg *config.Config) (*app, error) {
	rt := &app{cfg: cfg}

	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	rt.db = db
	rt.close = append(rt.close, func() { db.Close() })
	slog.Info("store initialized", "path", cfg.Store.Path)

	if cfg.NATS.Enabled || cfg.Invoker.Kind == "nats" {
		bus, client, err := natsbus.Connect(cfg.NATS)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("init nats: %w", err)
		}
		rt.bus, rt.client = bus, client
		rt.close = append(rt.close, client.Close)
		if bus != nil {
			rt.close = append(rt.close, bus.Close)
			slog.Info("nats started", "url", bus.ClientURL())
		} else {
			slog.Info("nats connected", "url", cfg.NATS.URL)
		}
	}

	switch cfg.Invoker.Kind {
	case "cli":
		rt.inv = invoker.NewCLI(cfg.Invoker)
	case "nats":
		rt.inv = invoker.NewBus(rt.client, cfg.Invoker)
		// An embedded bus has no external workers; serve invocations here.
		if rt.bus != nil {
			sub, err := invoker.Serve(rt.client, invoker.NewCLI(cfg.Invoker))
			if err != nil {
				rt.Close()
				return nil, fmt.Errorf("start local worker: %w", err)
			}
			rt.close = append(rt.close, func() { _ = sub.Unsubscribe() })
		}
	}
	slog.Info("invoker ready", "kind", cfg.Invoker.Kind, "command", cfg.Invoker.Command)
	return rt, nil
}

func (rt *app) engine(opts ...protocol.Option) *protocol.Engine {
	opts = append([]protocol.Option{protocol.WithStore(rt.db)}, opts...)
	if rt.client != nil {
		opts = append(opts, protocol.WithBus(rt.client))
	}
	return protocol.New(rt.cfg, rt.inv, opts...)
}

func runTask(args map[string]string) error {
	if args["kind"] == "" || args["task"] == "" {
		return errors.New("--kind and --task are required")
	}
	kind, err := protocol.ParseKind(args["kind"])
	if err != nil {
		return err
	}
	req := protocol.Request{ID: args["id"], Kind: kind, Task: args["task"], Model: args["model"]}
	if p := args["participants"]; p != "" {
		req.Participants = strings.Split(p, ",")
	}
	if b := args["budget"]; b != "" {
		n, err := strconv.Atoi(b)
		if err != nil {
			return fmt.Errorf("invalid --budget %q", b)
		}
		req.TurnBudget = n
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := setup(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	artifact, err := rt.engine().Run(ctx, req)
	if err != nil {
		var f *protocol.Failure
		if errors.As(err, &f) {
			fmt.Fprintf(os.Stderr, "run %s ended %s in phase %s (log seq %d-%d)\n", f.RunID, f.State, f.Phase, f.FirstSeq, f.LastSeq)
			for _, p := range f.Failed {
				fmt.Fprintf(os.Stderr, "  %s failed in %s: %s: %s\n", p.Name, p.Phase, p.Reason, p.Error)
			}
		}
		return err
	}
	fmt.Println(artifact.Render())
	return nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("starting conclave gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := setup(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var opts []protocol.Option
	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		opts = append(opts, protocol.WithNotifier(bot))
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	engine := rt.engine(opts...)

	if bot != nil {
		bot.SetRunner(engine)
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	}

	if cfg.Web.Enabled {
		srv := web.NewServer(rt.db, rt.client, engine, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// SIGHUP reloads the config; anything else shuts down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			break
		}
		cfg = reloadConfig(cfg, engine)
	}
	for _, id := range engine.Active() {
		engine.Cancel(id)
	}
	cancel()
	return nil
}

// reloadConfig applies a changed config file to runs started afterwards.
func reloadConfig(old *config.Config, engine *protocol.Engine) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("reload config", "error", err)
		return old
	}
	diff := config.Diff(old, cfg)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return old
	}
	engine.Reload(cfg)
	slog.Info("config reloaded",
		"roles_added", diff.RolesAdded,
		"roles_removed", diff.RolesRemoved,
		"roles_changed", diff.RolesChanged,
		"run", diff.RunChanged,
		"pipeline", diff.PipelineChanged)
	return cfg
}

// runWorker serves invocations for a gateway running elsewhere.
func runWorker(args map[string]string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := args["url"]
	if url == "" {
		url = cfg.NATS.URL
	}
	if url == "" {
		url = "nats://localhost:4222"
	}

	client, err := natsbus.NewClientFromURL(url)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := invoker.Serve(client, invoker.NewCLI(cfg.Invoker))
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	slog.Info("worker serving invocations", "url", url, "command", cfg.Invoker.Command)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	return nil
}
