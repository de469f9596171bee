package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/vyvo/appbuilder/pkg/api"
	"github.com/vyvo/appbuilder/pkg/client"
	"github.com/vyvo/appbuilder/pkg/hub"
	"github.com/vyvo/appbuilder/pkg/jobs"
)

const defaultServer = "http://localhost:8000"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "appbuilderctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	switch args[0] {
	case "submit":
		return runSubmit(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "list":
		return runList(ctx, args[1:])
	case "stats":
		return runStats(ctx, args[1:])
	case "watch":
		return runWatch(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Println("appbuilderctl: submit and inspect app builder jobs")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  submit  send a build request (from --file and/or flags)")
	fmt.Println("  status  show the latest round of a task, or a job by --job")
	fmt.Println("  list    page through jobs, newest first")
	fmt.Println("  stats   job counts by status")
	fmt.Println("  watch   stream live updates for a task until it finishes")
	fmt.Println()
	fmt.Println("Every command accepts --server (default $APPBUILDER_SERVER or " + defaultServer + ").")
}

func serverFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("APPBUILDER_SERVER")
	if def == "" {
		def = defaultServer
	}
	return fs.String("server", def, "app builder base URL")
}

// attachmentFlags collects repeated --attach name=url values.
type attachmentFlags []jobs.Attachment

func (a *attachmentFlags) String() string {
	names := make([]string, 0, len(*a))
	for _, att := range *a {
		names = append(names, att.Name)
	}
	return strings.Join(names, ",")
}

func (a *attachmentFlags) Set(v string) error {
	name, src, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(src) == "" {
		return errors.New("expected name=url")
	}
	*a = append(*a, jobs.Attachment{Name: strings.TrimSpace(name), URL: strings.TrimSpace(src)})
	return nil
}

// listFlag collects repeated string values.
type listFlag []string

func (l *listFlag) String() string     { return strings.Join(*l, "; ") }
func (l *listFlag) Set(v string) error { *l = append(*l, v); return nil }

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	server := serverFlag(fs)
	file := fs.String("file", "", "JSON request body to start from")
	email := fs.String("email", "", "requester email")
	secret := fs.String("secret", os.Getenv("APPBUILDER_SECRET"), "shared secret (default $APPBUILDER_SECRET)")
	task := fs.String("task", "", "task id")
	round := fs.Int("round", 0, "round number (default 1)")
	nonce := fs.String("nonce", "", "request nonce")
	brief := fs.String("brief", "", "what to build")
	evalURL := fs.String("evaluation-url", "", "callback URL for the result")
	watch := fs.Bool("watch", false, "stream updates after the request is accepted")
	var checks listFlag
	var attachments attachmentFlags
	fs.Var(&checks, "check", "acceptance check (repeatable)")
	fs.Var(&attachments, "attach", "attachment as name=url (repeatable)")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	var req api.IntakeRequest
	if *file != "" {
		raw, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read request file: %w", err)
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("parse request file: %w", err)
		}
	}
	override(&req.Email, *email)
	override(&req.Secret, *secret)
	override(&req.Task, *task)
	override(&req.Nonce, *nonce)
	override(&req.Brief, *brief)
	override(&req.EvaluationURL, *evalURL)
	if *round > 0 {
		req.Round = round
	}
	if len(checks) > 0 {
		req.Checks = checks
	}
	if len(attachments) > 0 {
		req.Attachments = attachments
	}
	if req.Task == "" {
		return errors.New("task is required")
	}

	c := client.NewClient(*server)
	resp, err := c.Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", resp.Status, resp.Note)
	if !*watch || resp.Status != "accepted" {
		return nil
	}
	return watchTask(ctx, c, req.Task)
}

func override(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	server := serverFlag(fs)
	jobID := fs.String("job", "", "look up a job by id instead of task")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := client.NewClient(*server)
	var (
		job jobs.Job
		err error
	)
	switch {
	case *jobID != "":
		job, err = c.GetJob(ctx, *jobID)
	case fs.NArg() == 1:
		job, err = c.GetProject(ctx, fs.Arg(0))
	default:
		return errors.New("usage: appbuilderctl status <task> | --job <id>")
	}
	if errors.Is(err, client.ErrNotFound) {
		return errors.New("no such project or job")
	}
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	server := serverFlag(fs)
	skip := fs.Int("skip", 0, "jobs to skip")
	limit := fs.Int("limit", jobs.DefaultListLimit, "page size")
	status := fs.String("status", "", "only jobs with this status")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	page, err := client.NewClient(*server).ListProjects(ctx, *skip, *limit, jobs.Status(*status))
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(page)
	}
	for _, j := range page.Projects {
		fmt.Printf("%-36s  %-24s  round %-3d  %-10s  %s\n", j.ID, j.Key.Task, j.Key.Round, j.Status, j.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("showing %d of %d\n", len(page.Projects), page.Total)
	return nil
}

func runStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	server := serverFlag(fs)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	stats, err := client.NewClient(*server).Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	server := serverFlag(fs)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: appbuilderctl watch <task>")
	}
	return watchTask(ctx, client.NewClient(*server), fs.Arg(0))
}

var errFinished = errors.New("finished")

func watchTask(ctx context.Context, c *client.Client, task string) error {
	err := c.Watch(ctx, task, func(ev hub.Event) error {
		switch ev.Type {
		case hub.TypeSubscribed:
			fmt.Printf("watching %s\n", task)
			return nil
		case hub.TypeProjectUpdate:
		default:
			return nil
		}
		var update struct {
			Status   jobs.Status `json:"status"`
			Message  string      `json:"message"`
			PagesURL *string     `json:"pages_url"`
		}
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &update); err != nil {
			return fmt.Errorf("decode update: %w", err)
		}
		fmt.Printf("[%s] %s\n", update.Status, update.Message)
		if update.PagesURL != nil {
			fmt.Printf("site: %s\n", *update.PagesURL)
		}
		if update.Status.Terminal() {
			return errFinished
		}
		return nil
	})
	if errors.Is(err, errFinished) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
