package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/virtengine/openfleet-sub013/internal/ai"
	"github.com/virtengine/openfleet-sub013/internal/pool"
)

var runCmd = &cobra.Command{
	Use:   "run <task-key> [prompt...]",
	Short: "Run one agent turn for a task",
	Long: `Run one agent turn for a task, resuming its registered session when it is
still eligible and launching a fresh one otherwise.

The prompt is taken from the remaining arguments, from --prompt-file, or from
stdin when neither is given. With --once the call is not tied to a task
session and nothing is written to the registry.

Examples:
  openfleet run task-42 "fix the failing unit tests"
  openfleet run task-42 --backend claude --prompt-file next-step.md
  echo "summarize the diff" | openfleet run scratch --once`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runBackend        string
	runWorkDir        string
	runTimeout        time.Duration
	runIgnoreCooldown bool
	runOnce           bool
	runPromptFile     string
	runJSON           bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runBackend, "backend", "", "Backend for a fresh launch (default: head of pool.failover_chain)")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "", "Working directory for the agent (default: current directory)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-call timeout (default: pool.default_timeout_minutes)")
	runCmd.Flags().BoolVar(&runIgnoreCooldown, "ignore-cooldown", false, "Call the backend even while it is cooling down")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a one-off call without registering a session")
	runCmd.Flags().StringVar(&runPromptFile, "prompt-file", "", "Read the prompt from a file")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the result as JSON")
}

func readPrompt(args []string, promptFile string, stdin io.Reader) (string, error) {
	var prompt string
	switch {
	case len(args) > 0:
		prompt = strings.Join(args, " ")
	case promptFile != "":
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt file: %w", err)
		}
		prompt = string(data)
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
		}
		prompt = string(data)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("prompt is empty")
	}
	return prompt, nil
}

func runOptions(cmd *cobra.Command) (pool.Options, error) {
	opts := pool.Options{WorkDir: runWorkDir, Timeout: runTimeout}
	if opts.WorkDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return opts, fmt.Errorf("failed to get current directory: %w", err)
		}
		opts.WorkDir = cwd
	}
	if runBackend != "" {
		b, err := ai.ParseBackendName(runBackend)
		if err != nil {
			return opts, err
		}
		opts.Backend = b
	}
	// Left nil when the flag is absent so the privileged task keeps its default.
	if cmd.Flags().Changed("ignore-cooldown") {
		opts.IgnoreCooldown = ai.Bool(runIgnoreCooldown)
	}
	return opts, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	taskKey := args[0]
	prompt, err := readPrompt(args[1:], runPromptFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	opts, err := runOptions(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var res *pool.Result
	if runOnce {
		res = rt.pool.RunOnce(cmd.Context(), prompt, opts)
	} else {
		res = rt.pool.LaunchOrResume(cmd.Context(), taskKey, prompt, opts)
	}

	w := cmd.OutOrStdout()
	if runJSON {
		if err := writeJSON(w, res); err != nil {
			return err
		}
	} else {
		printResult(w, taskKey, res)
	}
	if !res.Success {
		return fmt.Errorf("agent call failed: %s", res.Error)
	}
	return nil
}

func printResult(w io.Writer, taskKey string, res *pool.Result) {
	mode := "launched"
	if res.Resumed {
		mode = "resumed"
	}
	if res.FailedOver {
		mode += ", failed over"
	}
	fmt.Fprintf(w, "%s %s %s on %s (%s)\n",
		headerStyle.Render(taskKey), status(res.Success, "ok", "failed"), res.SessionID, res.Backend, mode)
	if res.Output != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.TrimRight(res.Output, "\n"))
	}
}
