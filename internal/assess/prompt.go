package assess

import (
	"strings"
	"text/template"

	"github.com/virtengine/openfleet-sub013/internal/util"
)

// DefaultMaxDescriptionChars caps the task description embedded in a prompt.
const DefaultMaxDescriptionChars = 3000

const assessmentTemplate = `You are the lifecycle assessor for an autonomous coding-agent fleet.
A task's agent session just reported an event. Decide what should happen to the
task next. You do not run commands or change the repository; you only return a
decision.

## Task
- ID: {{.TaskID}}
{{- with .Title}}
- Title: {{.}}
{{- end}}
- Trigger: {{.Trigger}}
{{- with .Branch}}
- Branch: {{.}}
{{- end}}
{{- with .UpstreamBranch}}
- Upstream branch: {{.}}
{{- end}}
- Backend: {{or .Backend "unknown"}}
- Attempt: {{.AttemptCount}}
- Session retries: {{.SessionRetries}}
{{- with .Description}}

## Description
{{.}}
{{- end}}
{{- if or .RebaseError .ConflictFiles}}

## Rebase failure
{{- with .ConflictFiles}}
Conflicting files:
{{- range .}}
- {{.}}
{{- end}}
{{- end}}
{{- with .RebaseError}}
Error output:
{{.}}
{{- end}}
{{- end}}
{{- if .PRNumber}}

## Pull request
- Number: #{{.PRNumber}}
{{- with .PRState}}
- State: {{.}}
{{- end}}
{{- with .CIStatus}}
- CI status: {{.}}
{{- end}}
{{- end}}
{{- if or .CommitsAhead .CommitsBehind .DiffStat}}

## Branch state
- Commits ahead of upstream: {{.CommitsAhead}}
- Commits behind upstream: {{.CommitsBehind}}
{{- with .DiffStat}}
Diff stat:
{{.}}
{{- end}}
{{- end}}
{{- with .LastAgentMessage}}

## Agent's last message
{{.}}
{{- end}}
{{- if .Downstream}}

## Downstream impact
Another pull request was merged into {{or .UpstreamBranch "the upstream branch"}}. This branch
may now be stale or conflict with it. Prefer a rebase when the change is
unrelated, and a replan when it overlaps with this task's scope.
{{- end}}

## Actions
{{- range .Actions}}
- {{.Name}}: {{.Help}}
{{- end}}

## Response
Reply with one JSON object and nothing else:
{"action": "<one of: {{.ActionList}}>", "reason": "<one sentence>", "prompt": "<instructions for the agent; reprompt_same, reprompt_new_session and new_attempt only>", "waitSeconds": <seconds; wait only>, "agentType": "<claude or codex; new_attempt only>"}
`

var promptTemplate = template.Must(template.New("assessment").Parse(assessmentTemplate))

var actionHelp = map[Action]string{
	ActionMerge:              "the work is complete, reviewed by CI and ready to merge",
	ActionRepromptSame:       "continue in the same session with a follow-up prompt",
	ActionRepromptNewSession: "same task and branch, but start a fresh session with a new prompt",
	ActionNewAttempt:         "abandon this attempt and start over, optionally on another backend",
	ActionWait:               "nothing to do yet; check again after waitSeconds",
	ActionManualReview:       "a human needs to look at this task",
	ActionCloseAndReplan:     "the task as written cannot succeed; close it and plan again",
	ActionNoop:               "no action needed",
}

type actionDoc struct {
	Name Action
	Help string
}

type promptData struct {
	TaskContext
	Downstream bool
	Actions    []actionDoc
	ActionList string
}

// BuildPrompt renders the deep-assessment prompt for tc. The description is
// cut to maxDescription characters; zero or less uses the default.
func BuildPrompt(tc TaskContext, maxDescription int) (string, error) {
	if maxDescription <= 0 {
		maxDescription = DefaultMaxDescriptionChars
	}
	tc.Description = util.TruncateString(strings.TrimSpace(tc.Description), maxDescription)
	tc.RebaseError = strings.TrimSpace(tc.RebaseError)
	tc.LastAgentMessage = strings.TrimSpace(tc.LastAgentMessage)
	tc.DiffStat = strings.TrimRight(tc.DiffStat, "\n")

	data := promptData{
		TaskContext: tc,
		Downstream:  tc.Trigger == TriggerPRMergedDownstream,
	}
	names := make([]string, 0, len(actionHelp))
	for _, a := range Actions() {
		data.Actions = append(data.Actions, actionDoc{Name: a, Help: actionHelp[a]})
		names = append(names, string(a))
	}
	data.ActionList = strings.Join(names, ", ")

	var b strings.Builder
	if err := promptTemplate.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
