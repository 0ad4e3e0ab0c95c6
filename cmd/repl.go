package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/microsoft/RTVS-sub005/internal/config"
	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/pubsub"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/broker"
	"github.com/microsoft/RTVS-sub005/internal/rhost/evalcache"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/rhost/provider"
	"github.com/microsoft/RTVS-sub005/internal/rhost/session"
	"github.com/microsoft/RTVS-sub005/internal/rhost/transfer"
	"github.com/microsoft/RTVS-sub005/internal/watcher"
)

var (
	replSession string
	replHistory string
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Run an interactive R console",
	Long: `Start an R host on the active broker and attach an interactive console.

Lines are sent to the host's prompt. Lines starting with ':' are console
commands; type :help for the list. The console follows changes to the
active broker in the config file, such as 'rtvs broker use NAME' run from
another terminal.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVarP(&replSession, "session", "s", "rtvs", "session name")
	replCmd.Flags().StringVar(&replHistory, "history", "", "history file (default: history next to the config file)")
	rootCmd.AddCommand(replCmd)
}

type metaCommand struct {
	name  string
	usage string
	help  string
}

var metaCommands = []metaCommand{
	{"help", ":help", "show this list"},
	{"vars", ":vars", "list variables in the workspace"},
	{"broker", ":broker NAME", "switch to another broker for this console"},
	{"restart", ":restart", "restart the R host"},
	{"put", ":put FILE", "upload a file as a blob"},
	{"get", ":get ID FILE", "save a blob to a file"},
	{"rm", ":rm ID...", "destroy blobs"},
	{"plots", ":plots", "list plot blobs"},
	{"log", ":log [N]", "show debug log entries written since the last :log"},
	{"quit", ":quit", "leave the console"},
}

// lineReader is the line editor the console reads from.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Close() error
}

var newLineReader = func(cmd *cobra.Command, history string) (lineReader, error) {
	if history != "" {
		if err := os.MkdirAll(filepath.Dir(history), 0o700); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	items := make([]readline.PrefixCompleterInterface, 0, len(metaCommands))
	for _, m := range metaCommands {
		items = append(items, readline.PcItem(":"+m.name))
	}
	return readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       history,
		AutoComplete:      readline.NewPrefixCompleter(items...),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
}

// repl drives one console session.
type repl struct {
	rt    *runtime
	s     *session.Session
	con   *console
	in    lineReader
	cache *evalcache.Cache
	ts    *transfer.Session
	out   io.Writer

	brokers *pubsub.Listener[provider.BrokerEvent]
	logs    *log.Listener
	dropped int64 // log entries already reported as missed

	readMu sync.Mutex

	mu     sync.Mutex // guards rt.cfg and active
	active string

	pending sync.WaitGroup
}

func runRepl(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	history := replHistory
	if history == "" {
		history = filepath.Join(filepath.Dir(cfgPath), "history")
	}
	in, err := newLineReader(cmd, history)
	if err != nil {
		return fmt.Errorf("opening terminal: %w", err)
	}
	defer func() { _ = in.Close() }()

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	r := &repl{rt: rt, in: in, out: cmd.OutOrStdout()}
	r.con = newConsole(cmd.OutOrStdout(), cmd.ErrOrStderr(), r.ask)

	r.s, err = rt.startSession(ctx, replSession, r.con)
	if err != nil {
		return err
	}
	if b, err := rt.provider.Broker(); err == nil {
		r.active = b.Name()
	}
	r.cache = evalcache.New(r.s, evalcache.WithTTL(rt.cfg.Cache.TTL), evalcache.WithMetrics(rt.metrics))
	defer r.cache.Close()
	r.ts = transfer.New(r.s, transfer.WithChunkSize(rt.cfg.Transfer.ChunkSize), transfer.WithTracer(rt.tracing.Tracer()))
	defer func() { _ = r.ts.Close(context.WithoutCancel(ctx)) }()

	if info, ok := r.s.HostInfo(); ok {
		r.con.notice(fmt.Sprintf("connected to %s (R %s) via %s", info.Name, info.RVersion, r.active))
	}
	r.brokers = pubsub.NewListener[provider.BrokerEvent](ctx, rt.provider)
	r.logs = log.NewListener(ctx)
	r.watchConfig(ctx)
	r.cancelOnInterrupt(ctx)

	err = r.run(ctx)
	cancel()
	r.pending.Wait()
	return err
}

func (r *repl) run(ctx context.Context) error {
	for {
		ix, err := r.s.BeginInteraction(ctx, true)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, rhost.ErrSessionDisposed) {
				return nil
			}
			r.con.notice("R host stopped; restarting")
			if err := r.s.EnsureHostStarted(ctx); err != nil {
				return err
			}
			continue
		}

		for _, ev := range r.brokers.Drain() {
			if cur := ev.Payload.Current; cur.Name != "" {
				r.con.notice("switched to broker " + cur.String())
			} else {
				r.con.notice("broker removed")
			}
		}
		line, err := r.readLine(ix.Prompt())
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			ix.Dispose()
			continue
		case errors.Is(err, io.EOF):
			ix.Dispose()
			return nil
		case err != nil:
			ix.Dispose()
			return err
		}

		if text, ok := strings.CutPrefix(strings.TrimSpace(line), ":"); ok && !ix.IsNested() {
			ix.Dispose()
			quit, err := r.meta(ctx, text)
			if err != nil {
				r.con.failure(err)
			}
			if quit {
				return nil
			}
			continue
		}

		// The reply completes only when the host prompts again, and the
		// host may open a nested prompt first.
		r.pending.Add(1)
		go r.respond(ctx, ix, line)
	}
}

func (r *repl) respond(ctx context.Context, ix *session.Interaction, line string) {
	defer r.pending.Done()
	defer ix.Dispose()

	err := ix.Respond(ctx, line)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, context.Canceled), errors.Is(err, rhost.ErrPromptAbandoned), rhost.IsDisconnected(err):
	default:
		r.con.failure(err)
	}
}

func (r *repl) readLine(prompt string) (string, error) {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	r.in.SetPrompt(prompt)
	return r.in.Readline()
}

// ask answers host dialogs from the line editor.
func (r *repl) ask(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, err := r.readLine(prompt)
	if errors.Is(err, readline.ErrInterrupt) {
		return "c", nil
	}
	return strings.TrimSpace(line), err
}

// cancelOnInterrupt interrupts the host on SIGINT. While the line editor
// is reading, Ctrl-C arrives as readline.ErrInterrupt instead.
func (r *repl) cancelOnInterrupt(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				if err := r.s.CancelAll(ctx); err != nil && ctx.Err() == nil {
					r.con.failure(err)
				}
			}
		}
	}()
}

func (r *repl) watchConfig(ctx context.Context) {
	w, err := watcher.New(watcher.DefaultConfig(cfgPath))
	if err != nil {
		log.Warn(log.CatWatcher, "config watcher unavailable", "error", err)
		return
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		log.Warn(log.CatWatcher, "config watcher unavailable", "error", err)
		return
	}
	go func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				r.reload(ctx)
			}
		}
	}()
}

// reload re-reads the config file and switches broker when the active
// broker changed.
func (r *repl) reload(ctx context.Context) {
	loaded, err := config.Load(viper.New(), cfgPath)
	if err == nil {
		err = loaded.Validate()
	}
	if err != nil {
		r.con.failure(fmt.Errorf("reloading %s: %w", cfgPath, err))
		return
	}

	r.mu.Lock()
	loaded.Metrics = r.rt.cfg.Metrics
	r.rt.cfg = loaded
	info, ok := loaded.Active()
	changed := ok && info.Name != r.active
	r.mu.Unlock()

	log.Debug(log.CatConfig, "config reloaded", "path", cfgPath, "active_broker", loaded.ActiveBroker)
	if !changed {
		return
	}
	if err := r.switchBroker(ctx, info); err != nil {
		r.con.failure(err)
	}
}

func (r *repl) switchBroker(ctx context.Context, info broker.ConnectionInfo) error {
	if err := r.rt.switchTo(ctx, info); err != nil {
		return err
	}
	r.mu.Lock()
	r.active = info.Name
	r.mu.Unlock()
	return nil
}

func (r *repl) meta(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "quit", "q":
		return true, nil

	case "help":
		for _, m := range metaCommands {
			_, _ = fmt.Fprintf(r.out, "  %-14s %s\n", m.usage, styled(subtleStyle, m.help))
		}
		return false, nil

	case "vars":
		names, err := evalcache.Get[[]string](ctx, r.cache, "ls()", protocol.KindReentrant)
		if err != nil {
			return false, err
		}
		if len(names) == 0 {
			_, _ = fmt.Fprintln(r.out, styled(subtleStyle, "(no variables)"))
			return false, nil
		}
		_, _ = fmt.Fprintln(r.out, strings.Join(names, "  "))
		return false, nil

	case "broker":
		if len(args) != 1 {
			return false, usageError(name)
		}
		r.mu.Lock()
		info, err := findBroker(ctx, r.rt, args[0])
		r.mu.Unlock()
		if err != nil {
			return false, err
		}
		return false, r.switchBroker(ctx, info)

	case "restart":
		if err := r.s.Restart(ctx); err != nil {
			return false, err
		}
		r.con.notice("R host restarted")
		return false, nil

	case "put":
		if len(args) != 1 {
			return false, usageError(name)
		}
		blob, err := r.ts.SendFile(ctx, args[0], true, nil)
		if err != nil {
			return false, err
		}
		_, _ = fmt.Fprintf(r.out, "blob %d: %d bytes\n", blob.ID, blob.Size)
		return false, nil

	case "get":
		if len(args) != 2 {
			return false, usageError(name)
		}
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid blob id %q", args[0])
		}
		n, err := r.ts.FetchFile(ctx, id, args[1])
		if err != nil {
			return false, err
		}
		_, _ = fmt.Fprintln(r.out, styled(successStyle, fmt.Sprintf("wrote %d bytes to %s", n, args[1])))
		return false, nil

	case "rm":
		if len(args) == 0 {
			return false, usageError(name)
		}
		ids := make([]uint64, 0, len(args))
		for _, a := range args {
			id, err := strconv.ParseUint(a, 10, 64)
			if err != nil {
				return false, fmt.Errorf("invalid blob id %q", a)
			}
			ids = append(ids, id)
		}
		return false, r.ts.DestroyBlobs(ctx, ids...)

	case "plots":
		ids := r.con.plotIDs()
		if len(ids) == 0 {
			_, _ = fmt.Fprintln(r.out, styled(subtleStyle, "(no plots)"))
			return false, nil
		}
		for _, id := range ids {
			_, _ = fmt.Fprintf(r.out, "plot blob %d\n", id)
		}
		return false, nil

	case "log":
		n := 20
		if len(args) > 0 {
			if n, err = strconv.Atoi(args[0]); err != nil || n <= 0 {
				return false, usageError(name)
			}
		}
		if r.logs == nil {
			_, _ = fmt.Fprintln(r.out, styled(subtleStyle, "debug log is off; start with --debug"))
			return false, nil
		}
		if d := log.Dropped(); d > r.dropped {
			_, _ = fmt.Fprintln(r.out, styled(subtleStyle, fmt.Sprintf("(%d earlier entries not shown; see the log file)", d-r.dropped)))
			r.dropped = d
		}
		events := r.logs.Drain()
		if len(events) > n {
			events = events[len(events)-n:]
		}
		for _, ev := range events {
			_, _ = io.WriteString(r.out, styled(subtleStyle, ev.Payload))
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown command :%s (try :help)", name)
}

func usageError(name string) error {
	for _, m := range metaCommands {
		if m.name == name {
			return fmt.Errorf("usage: %s", m.usage)
		}
	}
	return fmt.Errorf("unknown command :%s", name)
}
