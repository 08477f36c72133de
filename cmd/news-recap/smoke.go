package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/andgineer/news-recap/internal/backend"
	"github.com/andgineer/news-recap/internal/routing"
	"github.com/andgineer/news-recap/internal/ui"
)

// runSmoke executes the 'smoke' CLI command: for each selected agent,
// probe that its CLI binary is installed, then run it once with a
// trivial prompt through the real backend. Exits non-zero when any
// selected agent fails either check.
func runSmoke(ctx context.Context, globals globalFlags, args []string) int {
	fs := flag.NewFlagSet("smoke", flag.ExitOnError)
	agentsFlag := fs.String("agents", "", "Comma-separated agents to check (default: all configured)")
	timeout := fs.Duration("timeout", 60*time.Second, "Per-agent run timeout")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: news-recap smoke [options]

Probes each agent CLI and runs it once end to end.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	agents := selectAgents(a.routingDefaults, *agentsFlag)
	if len(agents) == 0 {
		return fail(fmt.Errorf("no agents selected"))
	}

	be := backend.NewCliAgentBackend()
	failures := 0
	for _, agent := range agents {
		if err := smokeOne(ctx, be, a.routingDefaults, agent, *timeout); err != nil {
			ui.Errorf("%s: %v", agent, err)
			failures++
			continue
		}
		ui.Successf("%s: probe and run ok", agent)
	}
	if failures > 0 {
		return 1
	}
	return 0
}

func selectAgents(defaults routing.Defaults, agentsFlag string) []string {
	if agentsFlag != "" {
		var out []string
		for _, agent := range strings.Split(agentsFlag, ",") {
			agent = strings.TrimSpace(agent)
			if agent != "" {
				out = append(out, agent)
			}
		}
		return out
	}
	out := make([]string, 0, len(defaults.CommandTemplates))
	for agent := range defaults.CommandTemplates {
		out = append(out, agent)
	}
	sort.Strings(out)
	return out
}

func smokeOne(ctx context.Context, be *backend.CliAgentBackend, defaults routing.Defaults, agent string, timeout time.Duration) error {
	template := defaults.CommandTemplates[agent]
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("no command template configured")
	}

	head := strings.Fields(template)[0]
	if _, err := exec.LookPath(head); err != nil {
		return fmt.Errorf("probe failed: %s not found in PATH", head)
	}

	profile := "fast"
	frozen, err := routing.ResolveForEnqueue(defaults, "smoke", routing.Overrides{Agent: &agent, Profile: &profile}, time.Now())
	if err != nil {
		return fmt.Errorf("resolving routing: %w", err)
	}

	dir, err := os.MkdirTemp("", "news-recap-smoke-")
	if err != nil {
		return fmt.Errorf("creating smoke workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	result, err := be.Run(ctx, backend.RunRequest{
		TaskID:           "smoke-" + agent,
		Agent:            frozen.Agent,
		Model:            frozen.Model,
		ModelProfile:     frozen.Profile,
		CommandTemplate:  frozen.CommandTemplate,
		Prompt:           "Reply with the single word OK.",
		PromptFilePath:   filepath.Join(dir, "input", "task_prompt.txt"),
		TaskManifestPath: filepath.Join(dir, "meta", "task_manifest.json"),
		Workdir:          dir,
		StdoutPath:       filepath.Join(dir, "output", "agent_stdout.log"),
		StderrPath:       filepath.Join(dir, "output", "agent_stderr.log"),
		Timeout:          timeout,
	})
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	if result.TimedOut {
		return fmt.Errorf("run timed out after %s", timeout)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("run exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}
