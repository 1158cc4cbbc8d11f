package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/virtengine/openfleet-sub013/internal/assess"
	"github.com/virtengine/openfleet-sub013/internal/orchestrator"
)

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Decide what to do next for a task",
	Long: `Assess a task after a lifecycle trigger and print the decision.

The task context is read from a YAML or JSON file (-f, "-" for stdin) and
may be overridden with flags. Decisions that need an agent session
(reprompt_same, reprompt_new_session, new_attempt) are executed through the
session pool unless --no-execute is given or orchestrator.auto_execute is off.

Examples:
  # Assess a rebase failure described in a YAML file
  openfleet assess -f task.yaml

  # Quick one-off assessment without touching any session
  openfleet assess --task-id t-42 --trigger ci_failed --title "Add login" --no-execute`,
	RunE: runAssess,
}

var (
	assessFile      string
	assessTaskID    string
	assessTrigger   string
	assessTitle     string
	assessBackend   string
	assessWorkDir   string
	assessAttempt   int
	assessNoExecute bool
	assessJSON      bool
)

func init() {
	rootCmd.AddCommand(assessCmd)

	assessCmd.Flags().StringVarP(&assessFile, "file", "f", "", "Task context file (.yaml, .yml or .json; - for stdin)")
	assessCmd.Flags().StringVar(&assessTaskID, "task-id", "", "Task id (overrides the file)")
	assessCmd.Flags().StringVar(&assessTrigger, "trigger", "", "Trigger kind, e.g. rebase_failed or ci_failed")
	assessCmd.Flags().StringVar(&assessTitle, "title", "", "Task title")
	assessCmd.Flags().StringVar(&assessBackend, "backend", "", "Backend the task's session runs on")
	assessCmd.Flags().StringVar(&assessWorkDir, "workdir", "", "Working directory for any session the decision runs")
	assessCmd.Flags().IntVar(&assessAttempt, "attempt", -1, "Attempt count (overrides the file)")
	assessCmd.Flags().BoolVar(&assessNoExecute, "no-execute", false, "Print the decision without running a session")
	assessCmd.Flags().BoolVar(&assessJSON, "json", false, "Print the outcome as JSON")
}

// readTaskContext decodes a task context. JSON uses camelCase keys and YAML
// uses snake_case keys; the format follows the file extension, and stdin is
// tried as JSON first.
func readTaskContext(path string, stdin io.Reader) (assess.TaskContext, error) {
	var tc assess.TaskContext
	if path == "" {
		return tc, nil
	}

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return tc, fmt.Errorf("failed to read task context: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &tc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &tc)
	default:
		if jerr := json.Unmarshal(data, &tc); jerr != nil {
			tc = assess.TaskContext{}
			err = yaml.Unmarshal(data, &tc)
		}
	}
	if err != nil {
		return tc, fmt.Errorf("failed to decode task context %s: %w", path, err)
	}
	return tc, nil
}

func applyAssessFlags(cmd *cobra.Command, tc *assess.TaskContext) {
	flags := cmd.Flags()
	if flags.Changed("task-id") {
		tc.TaskID = assessTaskID
	}
	if flags.Changed("trigger") {
		tc.Trigger = assess.TriggerKind(assessTrigger)
	}
	if flags.Changed("title") {
		tc.Title = assessTitle
	}
	if flags.Changed("backend") {
		tc.Backend = assessBackend
	}
	if flags.Changed("workdir") {
		tc.WorkDir = assessWorkDir
	}
	if flags.Changed("attempt") {
		tc.AttemptCount = assessAttempt
	}
	if tc.WorkDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			tc.WorkDir = cwd
		}
	}
}

func runAssess(cmd *cobra.Command, args []string) error {
	tc, err := readTaskContext(assessFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	applyAssessFlags(cmd, &tc)
	if err := tc.Validate(); err != nil {
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
	if assessNoExecute {
		rt.orchestrator.SetAutoExecute(false)
	}

	out, err := rt.orchestrator.HandleTrigger(cmd.Context(), tc)
	if err != nil {
		return err
	}
	if assessJSON {
		return writeJSON(cmd.OutOrStdout(), out)
	}
	printOutcome(cmd.OutOrStdout(), tc, out)
	return nil
}

func printOutcome(w io.Writer, tc assess.TaskContext, out orchestrator.Outcome) {
	d := out.Decision
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Decision:"), status(d.Success, string(d.Action), string(d.Action)+" (unsuccessful)"))
	fmt.Fprintf(w, "  Source:  %s\n", d.Source)
	fmt.Fprintf(w, "  Reason:  %s\n", d.Reason)
	if d.Prompt != "" {
		fmt.Fprintf(w, "  Prompt:  %s\n", d.Prompt)
	}
	if d.WaitSeconds > 0 {
		fmt.Fprintf(w, "  Wait:    %ds\n", d.WaitSeconds)
	}
	if d.AgentType != "" {
		fmt.Fprintf(w, "  Agent:   %s\n", d.AgentType)
	}

	switch {
	case out.Executed():
		s := out.Session
		fmt.Fprintf(w, "%s %s on %s (session %s)\n",
			headerStyle.Render("Session:"), status(s.Success, "ok", "failed"), s.Backend, s.SessionID)
		if s.Error != "" {
			fmt.Fprintf(w, "  Error:   %s\n", s.Error)
		}
	case d.Success && d.Action.NeedsSession():
		fmt.Fprintln(w, mutedStyle.Render("Session not started (auto-execute disabled)."))
	default:
		fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("No session action for task %s.", tc.TaskID)))
	}
}
