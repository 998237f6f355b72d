package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/shellgate/internal/command"
	"github.com/mattjoyce/shellgate/internal/config"
	"github.com/mattjoyce/shellgate/internal/files"
	"github.com/mattjoyce/shellgate/internal/inspect"
	"github.com/mattjoyce/shellgate/internal/queue"
	"github.com/mattjoyce/shellgate/internal/storage"
)

type jobView struct {
	ID        string          `json:"id"`
	Status    queue.Status    `json:"status"`
	Message   string          `json:"message,omitempty"`
	Request   json.RawMessage `json:"request"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toJobView(j *queue.Job) jobView {
	return jobView{
		ID:        j.ID,
		Status:    j.Status,
		Message:   j.Message,
		Request:   j.Request,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

type commandView struct {
	Name    string   `json:"name"`
	Usage   string   `json:"usage"`
	Options []string `json:"options"`
	Timeout string   `json:"timeout"`
}

func commandViews(cfg *config.Config) []commandView {
	out := make([]commandView, 0, len(cfg.Commands))
	for _, def := range cfg.Commands {
		opts := make([]string, 0)
		for _, o := range def.Options() {
			opts = append(opts, o.Token)
		}
		out = append(out, commandView{
			Name:    def.Name,
			Usage:   def.Usage(),
			Options: opts,
			Timeout: cfg.TimeoutFor(def).String(),
		})
	}
	return out
}

func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, *queue.Queue, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, queue.New(db), nil
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// runJobSubmit queues a job the same way POST /run does. Everything after the
// command name is an option token, so tokens may look like flags.
func runJobSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	inputPath := fs.String("input", "", "Input file for the job, or - for stdin")
	text := fs.String("text", "", "Literal input text for the job")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: shellgate job submit [--config PATH] [--input FILE|-] [--text TEXT] <command> [options...]")
		return 1
	}
	if *inputPath != "" && *text != "" {
		fmt.Fprintln(os.Stderr, "Error: use only one of --input or --text")
		return 1
	}
	name := fs.Arg(0)
	options := fs.Args()[1:]

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if _, ok := commandByName(cfg, name); !ok {
		fmt.Fprintf(os.Stderr, "Warning: %q is not whitelisted; the job will fail when it runs\n", name)
	}

	var src io.Reader = strings.NewReader(*text)
	switch *inputPath {
	case "":
	case "-":
		src = os.Stdin
	default:
		f, err := os.Open(*inputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open input: %v\n", err)
			return 1
		}
		defer f.Close()
		src = f
	}

	payload, err := command.EncodeRequest(name, options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	layout, err := files.NewLayout(cfg.Files.UploadsDir, cfg.Files.DownloadsDir)
	if err == nil {
		err = layout.Init()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prepare file directories: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, q, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer db.Close()

	job := queue.NewJob(payload)
	if _, err := layout.WriteInput(job.ID, src); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write input: %v\n", err)
		return 1
	}
	if err := q.Insert(ctx, job); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to queue job: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(map[string]string{"job": job.ID})
	}
	fmt.Println(job.ID)
	return 0
}

func runJobStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")

	jobID, err := parseJobIDArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: shellgate job status [--config PATH] [--json] <job_id>")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, q, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer db.Close()

	job, err := q.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			fmt.Fprintf(os.Stderr, "Job not found: %s\n", jobID)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load job: %v\n", err)
		}
		return 1
	}

	if *jsonOut {
		return printJSON(toJobView(job))
	}

	fmt.Printf("job:     %s\n", job.ID)
	fmt.Printf("status:  %s\n", job.Status)
	fmt.Printf("request: %s\n", string(job.Request))
	fmt.Printf("created: %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("updated: %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.Message != "" {
		fmt.Println("message:")
		for _, line := range strings.Split(job.Message, queue.MessageDelimiter) {
			fmt.Printf("  %s\n", line)
		}
	}
	return 0
}

// parseJobIDArgs accepts flags on either side of the job id:
// shellgate job status <id> --json
func parseJobIDArgs(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() == 0 {
		return "", nil
	}
	jobID := fs.Arg(0)
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return jobID, nil
}

func runJobInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output report in JSON")

	jobID, err := parseJobIDArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: shellgate job inspect [--config PATH] [--json] <job_id>")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	registry, err := cfg.Registry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid command whitelist: %v\n", err)
		return 1
	}
	layout, err := files.NewLayout(cfg.Files.UploadsDir, cfg.Files.DownloadsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid file layout: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, q, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer db.Close()

	report, err := inspect.Build(ctx, q, layout, registry, jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := inspect.RenderJSON(report)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}
	fmt.Print(inspect.Render(report))
	return 0
}

func runJobList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	status := fs.String("status", "", "Only show jobs with this status")
	limit := fs.Int("limit", 20, "Maximum number of jobs")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var want queue.Status
	if *status != "" {
		want = queue.Status(strings.ToUpper(*status))
		if !want.Valid() {
			fmt.Fprintf(os.Stderr, "Unknown status: %s\n", *status)
			return 1
		}
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, q, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer db.Close()

	var jobs []*queue.Job
	if want != "" {
		jobs, err = q.ListByStatus(ctx, want)
		// ListByStatus is oldest first.
		for i, j := 0, len(jobs)-1; i < j; i, j = i+1, j-1 {
			jobs[i], jobs[j] = jobs[j], jobs[i]
		}
		if *limit > 0 && len(jobs) > *limit {
			jobs = jobs[:*limit]
		}
	} else {
		jobs, err = q.List(ctx, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list jobs: %v\n", err)
		return 1
	}

	if *jsonOut {
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j))
		}
		return printJSON(map[string]any{"jobs": views})
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCOMMAND\tCREATED")
	for _, j := range jobs {
		name := "?"
		if req, err := command.ParseRequest(j.Request); err == nil {
			name = req.Command.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.Status, name, j.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
	return 0
}

func commandByName(cfg *config.Config, name string) (command.Definition, bool) {
	for _, def := range cfg.Commands {
		if def.Name == name {
			return def, true
		}
	}
	return command.Definition{}, false
}

func runCommandList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	views := commandViews(cfg)
	if *jsonOut {
		return printJSON(map[string]any{"commands": views})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTIMEOUT\tTEMPLATE")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\n", v.Name, v.Timeout, v.Usage)
	}
	_ = w.Flush()
	return 0
}

// runCommandBind binds a request exactly as the dispatcher would, using a
// placeholder for the input path. Nothing is queued or executed.
func runCommandBind(args []string) int {
	fs := flag.NewFlagSet("bind", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: shellgate command bind [--config PATH] <command> [options...]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	registry, err := cfg.Registry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid command whitelist: %v\n", err)
		return 1
	}

	placeholder := filepath.Join(cfg.Files.UploadsDir, "<job-id>")
	def, argv, err := registry.Bind(fs.Arg(0), fs.Args()[1:], placeholder)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(map[string]any{
			"command": def.Name,
			"argv":    argv,
			"timeout": cfg.TimeoutFor(def).String(),
		})
	}
	fmt.Println(strings.Join(argv, " "))
	return 0
}
