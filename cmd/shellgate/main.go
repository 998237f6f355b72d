package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/shellgate/internal/api"
	"github.com/mattjoyce/shellgate/internal/config"
	"github.com/mattjoyce/shellgate/internal/dispatch"
	"github.com/mattjoyce/shellgate/internal/events"
	"github.com/mattjoyce/shellgate/internal/files"
	"github.com/mattjoyce/shellgate/internal/housekeeping"
	"github.com/mattjoyce/shellgate/internal/lock"
	"github.com/mattjoyce/shellgate/internal/log"
	"github.com/mattjoyce/shellgate/internal/process"
	"github.com/mattjoyce/shellgate/internal/queue"
	"github.com/mattjoyce/shellgate/internal/storage"
	"github.com/mattjoyce/shellgate/internal/tui"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "job":
		return runJobNoun(args)
	case "command":
		return runCommandNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`shellgate - run whitelisted shell commands as queued jobs

Usage:
  shellgate <noun> <action> [flags]

Core Resources (Nouns):
  system    Scheduler lifecycle and health
  config    Configuration and integrity
  job       Submitted jobs
  command   The command whitelist

System Commands:
  system start      Start the scheduler (and API) in the foreground
  system status     Show config, database, and PID lock health
  system watch      Real-time job monitor TUI

Config Commands:
  config check      Validate settings and the command whitelist
  config lock       Authorize current state (update integrity hashes)
  config show       Print the resolved configuration

Job Commands:
  job submit <cmd> [options...]  Queue a job
  job status <id>                Show a job's status and messages
  job list                       List recent jobs
  job inspect <id>               Show argv, messages, and file artifacts

Command Commands:
  command list                   Show whitelisted commands
  command bind <cmd> [options...] Preview the argv a request binds to

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'shellgate <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch", "monitor":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock", "hash-update":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigHashUpdate(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "submit":
		if hasHelpFlag(actionArgs) {
			printJobSubmitHelp()
			return 0
		}
		return runJobSubmit(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printJobStatusHelp()
			return 0
		}
		return runJobStatus(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printJobListHelp()
			return 0
		}
		return runJobList(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printJobInspectHelp()
			return 0
		}
		return runJobInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runCommandNoun(args []string) int {
	if len(args) < 1 {
		printCommandNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCommandNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printCommandListHelp()
			return 0
		}
		return runCommandList(actionArgs)
	case "bind":
		if hasHelpFlag(actionArgs) {
			printCommandBindHelp()
			return 0
		}
		return runCommandBind(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// hasHelpFlag only looks at flags before the first positional so option
// tokens handed to a command (job submit ls -h) are not mistaken for help.
func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
		if !strings.HasPrefix(arg, "-") {
			return false
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: shellgate system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: shellgate config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: shellgate job <action>")
	fmt.Fprintln(w, "Actions: submit, status, list, inspect")
}

func printCommandNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: shellgate command <action>")
	fmt.Fprintln(w, "Actions: list, bind")
}

func printSystemStartHelp() {
	fmt.Println("Usage: shellgate system start [--config PATH]")
	fmt.Println("Run the job scheduler, housekeeping, and (if enabled) the API in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: shellgate system status [--config PATH] [--json]")
	fmt.Println("Show config, database, file directory, and PID lock health.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: shellgate system watch [--api-url URL]")
	fmt.Println()
	fmt.Println("Real-time job monitor. Requires the API to be enabled.")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate jobs")
}

func printConfigLockHelp() {
	fmt.Println("Usage: shellgate config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating .checksums for every config file.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: shellgate config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate settings and the command whitelist.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: shellgate config show [--config PATH] [--json]")
	fmt.Println("Show the fully resolved configuration.")
}

func printJobSubmitHelp() {
	fmt.Println("Usage: shellgate job submit [--config PATH] [--input FILE|-] [--json] <command> [options...]")
	fmt.Println("Queue a job. Options are passed as tokens; the command is validated when the job runs.")
}

func printJobStatusHelp() {
	fmt.Println("Usage: shellgate job status [--config PATH] [--json] <job_id>")
	fmt.Println("Show a job's status and accumulated messages.")
}

func printJobListHelp() {
	fmt.Println("Usage: shellgate job list [--config PATH] [--status STATUS] [--limit N] [--json]")
	fmt.Println("List jobs, newest first.")
}

func printJobInspectHelp() {
	fmt.Println("Usage: shellgate job inspect [--config PATH] [--json] <job_id>")
	fmt.Println("Show a job's request, the argv it binds to, and its input and output files.")
}

func printCommandListHelp() {
	fmt.Println("Usage: shellgate command list [--config PATH] [--json]")
	fmt.Println("Show whitelisted commands and their argv templates.")
}

func printCommandBindHelp() {
	fmt.Println("Usage: shellgate command bind [--config PATH] <command> [options...]")
	fmt.Println("Print the argv a request would bind to, without queueing anything.")
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "shellgate API URL")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := tui.NewMonitor(*apiURL)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// getPIDLockPath puts the lock next to the job database: state.db -> state.pid.
func getPIDLockPath(cfg *config.Config) string {
	p := filepath.Clean(cfg.State.Path)
	return strings.TrimSuffix(p, filepath.Ext(p)) + ".pid"
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("shellgate starting", "version", version, "config", cfg.Path)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	registry, err := cfg.Registry()
	if err != nil {
		logger.Error("invalid command whitelist", "error", err)
		return 1
	}
	logger.Info("command whitelist loaded", "count", registry.Len())

	layout, err := files.NewLayout(cfg.Files.UploadsDir, cfg.Files.DownloadsDir)
	if err != nil {
		logger.Error("invalid file layout", "error", err)
		return 1
	}
	if err := layout.Init(); err != nil {
		logger.Error("failed to create file directories", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	q := queue.New(db)
	hub := events.NewHub(256)
	runner := process.New(log.Get(), cfg.Scheduler.TerminationGrace)

	disp := dispatch.New(cfg, q, registry, layout, runner, hub, log.Get())
	sweeper := housekeeping.New(q, cfg.Scheduler.JobRetention, cfg.Scheduler.CleanupInterval, hub, log.Get())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := disp.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:        cfg.API.Listen,
			MaxInputBytes: cfg.API.MaxInputBytes,
		}, q, layout, registry, hub, log.Get())
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	sweeper.Start(gctx)
	defer sweeper.Stop()

	logger.Info("shellgate running (press Ctrl+C to stop)")

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("shellgate stopped")
	return 0
}

type statusCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	ActivePID int    `json:"active_pid,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Config  string        `json:"config,omitempty"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := buildStatusReport(context.Background(), *configPath)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		if report.Config != "" {
			fmt.Printf("config: %s\n", report.Config)
		}
		for _, c := range report.Checks {
			state := "OK"
			if !c.OK {
				state = "FAIL"
			}
			if c.Detail != "" {
				fmt.Printf("%s: %s (%s)\n", c.Name, state, c.Detail)
			} else {
				fmt.Printf("%s: %s\n", c.Name, state)
			}
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

// buildStatusReport runs the checks in dependency order. Once the config
// fails to load, every later check is reported as failed.
func buildStatusReport(ctx context.Context, configPath string) statusReport {
	report := statusReport{}
	add := func(c statusCheck) { report.Checks = append(report.Checks, c) }

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		add(statusCheck{Name: "config_load", Detail: err.Error()})
		for _, name := range []string{"state_db", "files", "pid_lock"} {
			add(statusCheck{Name: name, Detail: "config not loaded"})
		}
		return report
	}
	report.Config = cfg.Path
	add(statusCheck{Name: "config_load", OK: true, Detail: fmt.Sprintf("%d command(s)", len(cfg.Commands))})

	if db, err := storage.OpenSQLite(ctx, cfg.State.Path); err != nil {
		add(statusCheck{Name: "state_db", Detail: err.Error()})
	} else {
		counts, cerr := queue.New(db).CountByStatus(ctx)
		_ = db.Close()
		if cerr != nil {
			add(statusCheck{Name: "state_db", Detail: cerr.Error()})
		} else {
			parts := make([]string, 0, len(queue.Statuses))
			for _, s := range queue.Statuses {
				parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
			}
			add(statusCheck{Name: "state_db", OK: true, Detail: strings.Join(parts, " ")})
		}
	}

	add(checkDirs(cfg.Files.UploadsDir, cfg.Files.DownloadsDir))

	st, err := lock.Probe(getPIDLockPath(cfg))
	switch {
	case err != nil:
		add(statusCheck{Name: "pid_lock", Detail: err.Error()})
	case st.Held:
		add(statusCheck{Name: "pid_lock", Detail: "scheduler already running", ActivePID: st.PID})
	default:
		add(statusCheck{Name: "pid_lock", OK: true, Detail: "not held"})
	}

	report.Healthy = true
	for _, c := range report.Checks {
		if !c.OK {
			report.Healthy = false
		}
	}
	return report
}

// checkDirs passes when each directory exists or can be created by start.
func checkDirs(dirs ...string) statusCheck {
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err == nil && !info.IsDir() {
			return statusCheck{Name: "files", Detail: dir + " is not a directory"}
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return statusCheck{Name: "files", Detail: err.Error()}
		}
	}
	return statusCheck{Name: "files", OK: true}
}
