package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/routing"
	"github.com/andgineer/news-recap/internal/ui"
	"github.com/andgineer/news-recap/internal/workdir"
)

// runTasks dispatches the 'tasks' subcommands: list, show, retry, cancel.
func runTasks(ctx context.Context, globals globalFlags, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: news-recap tasks <list|show|retry|cancel> [options]")
		return 1
	}
	switch args[0] {
	case "list":
		return runTasksList(ctx, globals, args[1:])
	case "show":
		return runTasksShow(ctx, globals, args[1:])
	case "retry":
		return runTasksRetry(ctx, globals, args[1:])
	case "cancel":
		return runTasksCancel(ctx, globals, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown tasks subcommand: %s\n", args[0])
		return 1
	}
}

func runTasksList(ctx context.Context, globals globalFlags, args []string) int {
	fs := flag.NewFlagSet("tasks list", flag.ExitOnError)
	statusFilter := fs.String("status", "", "Filter by status (queued, running, succeeded, failed, timeout, canceled)")
	limit := fs.Int("limit", 50, "Maximum number of tasks to show")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	var status *models.TaskStatus
	if *statusFilter != "" {
		s := models.TaskStatus(*statusFilter)
		status = &s
	}
	tasks, err := a.repo.ListTasks(ctx, globals.userID, status, *limit)
	if err != nil {
		return fail(err)
	}
	if len(tasks) == 0 {
		ui.Info("no tasks")
		return 0
	}
	for _, task := range tasks {
		fmt.Printf("%s  %-18s %-9s attempt=%d/%d priority=%d %s\n",
			task.TaskID, task.TaskType, task.Status, task.Attempt, task.MaxAttempts,
			task.Priority, task.CreatedAt.Format(time.RFC3339))
	}
	return 0
}

func runTasksShow(ctx context.Context, globals globalFlags, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: news-recap tasks show <task-id>")
		return 1
	}
	taskID := args[0]

	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	task, err := a.repo.GetTask(ctx, taskID)
	if err != nil {
		return fail(err)
	}

	ui.Header(fmt.Sprintf("Task %s", task.TaskID))
	fmt.Printf("  type:      %s\n", task.TaskType)
	fmt.Printf("  status:    %s\n", task.Status)
	fmt.Printf("  attempt:   %d/%d\n", task.Attempt, task.MaxAttempts)
	fmt.Printf("  timeout:   %ds\n", task.TimeoutSeconds)
	fmt.Printf("  manifest:  %s\n", task.InputManifestPath)
	if task.FailureClass != nil {
		fmt.Printf("  failure:   %s\n", *task.FailureClass)
	}
	if task.ErrorSummary != nil {
		fmt.Printf("  error:     %s\n", *task.ErrorSummary)
	}
	if task.OutputPath != nil {
		fmt.Printf("  output:    %s\n", *task.OutputPath)
	}

	events, err := a.repo.ListTaskEvents(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	if len(events) > 0 {
		ui.Header("Events")
		for _, ev := range events {
			transition := ""
			if ev.StatusFrom != nil && ev.StatusTo != nil {
				transition = fmt.Sprintf(" %s->%s", *ev.StatusFrom, *ev.StatusTo)
			}
			fmt.Printf("  %s %s%s\n", ev.CreatedAt.Format(time.RFC3339), ev.EventType, transition)
		}
	}

	citations, err := a.repo.ListOutputCitations(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	if len(citations) > 0 {
		ui.Header("Citations")
		for _, c := range citations {
			fmt.Printf("  %s  %s (%s)\n", c.SourceID, c.Title, c.URL)
		}
	}
	return 0
}

func runTasksRetry(ctx context.Context, globals globalFlags, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: news-recap tasks retry <task-id>")
		return 1
	}
	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	if err := a.repo.RetryTask(ctx, args[0]); err != nil {
		return fail(err)
	}
	ui.Successf("task %s requeued", args[0])
	return 0
}

func runTasksCancel(ctx context.Context, globals globalFlags, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: news-recap tasks cancel <task-id>")
		return 1
	}
	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	if err := a.repo.CancelTask(ctx, args[0]); err != nil {
		return fail(err)
	}
	ui.Successf("task %s canceled", args[0])
	return 0
}

// runEnqueueDemo executes the 'enqueue-demo' CLI command: materializes a
// complete workdir contract with one demo article and enqueues a task
// against it, so the worker and agent wiring can be exercised without
// running ingestion first.
func runEnqueueDemo(ctx context.Context, globals globalFlags, args []string) int {
	fs := flag.NewFlagSet("enqueue-demo", flag.ExitOnError)
	taskType := fs.String("task-type", "highlights", "Task type to enqueue")
	prompt := fs.String("prompt", "Summarize the indexed articles into highlight blocks.", "Prompt for the agent")
	priority := fs.Int("priority", 100, "Queue priority (lower runs first)")
	timeoutSeconds := fs.Int("timeout", 180, "Task timeout in seconds")
	maxAttempts := fs.Int("max-attempts", 3, "Maximum attempts")
	agentOverride := fs.String("agent", "", "Override the routed agent (claude, codex, gemini)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	overrides := routing.Overrides{}
	if *agentOverride != "" {
		overrides.Agent = agentOverride
	}
	frozen, err := routing.ResolveForEnqueue(a.routingDefaults, *taskType, overrides, time.Now())
	if err != nil {
		return fail(err)
	}

	taskID := uuid.NewString()
	publishedAt := time.Now().UTC().Format(time.RFC3339)
	articles := []workdir.ArticleIndexEntry{{
		SourceID:    "article:" + uuid.NewString(),
		Title:       "Demo article",
		URL:         "https://example.com/demo",
		Source:      "demo",
		PublishedAt: &publishedAt,
	}}
	input := workdir.TaskInput{
		TaskType: *taskType,
		Prompt:   *prompt,
		Metadata: map[string]any{"routing": frozen},
	}
	paths, err := a.workdirMgr.Create(taskID, *taskType, input, articles, workdir.CreateOptions{ContractVersion: 1})
	if err != nil {
		return fail(err)
	}

	task, err := a.repo.EnqueueTask(ctx, models.LlmTaskCreate{
		TaskID:            taskID,
		UserID:            globals.userID,
		TaskType:          *taskType,
		Priority:          *priority,
		MaxAttempts:       *maxAttempts,
		TimeoutSeconds:    *timeoutSeconds,
		RunAfter:          time.Now().UTC(),
		InputManifestPath: paths.ManifestPath,
	})
	if err != nil {
		return fail(err)
	}
	ui.Successf("enqueued %s task %s (agent=%s model=%s)", task.TaskType, task.TaskID, frozen.Agent, frozen.Model)
	return 0
}
