package assess

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/virtengine/openfleet-sub013/internal/ai"
	"github.com/virtengine/openfleet-sub013/internal/errors"
)

// parseStrategy extracts a decision object from backend text. ok is false
// when the strategy found nothing with an "action" key.
type parseStrategy struct {
	name    string
	extract func(text string) (rawDecision, bool)
}

// decisionStrategies run in order; the first hit wins.
var decisionStrategies = []parseStrategy{
	{name: "direct", extract: parseDirect},
	{name: "fenced", extract: parseFenced},
	{name: "embedded", extract: parseEmbedded},
}

// rawDecision mirrors the decision wire schema.
type rawDecision struct {
	Action      string          `json:"action"`
	Reason      string          `json:"reason"`
	Prompt      string          `json:"prompt"`
	WaitSeconds json.RawMessage `json:"waitSeconds"`
	AgentType   string          `json:"agentType"`
}

// ParseDecision extracts a decision from backend output. The whole text is
// tried as JSON first, then each fenced code block, then every balanced
// {...} span that mentions "action". The result has Success set and Source
// empty; callers stamp the source.
func ParseDecision(text string) (Decision, error) {
	var (
		raw   rawDecision
		found bool
	)
	for _, s := range decisionStrategies {
		if raw, found = s.extract(text); found {
			break
		}
	}
	if !found {
		return Decision{}, errors.NewParseError("no decision object with an action field", text)
	}

	action, err := ParseAction(raw.Action)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Action:  action,
		Reason:  strings.TrimSpace(raw.Reason),
		Success: true,
	}
	switch action {
	case ActionRepromptSame, ActionRepromptNewSession:
		d.Prompt = strings.TrimSpace(raw.Prompt)
	case ActionNewAttempt:
		d.Prompt = strings.TrimSpace(raw.Prompt)
		if name, err := ai.ParseBackendName(raw.AgentType); err == nil {
			d.AgentType = string(name)
		}
	case ActionWait:
		d.WaitSeconds = waitSeconds(raw.WaitSeconds)
	}
	return d, nil
}

func parseDirect(text string) (rawDecision, bool) {
	return decodeDecision(strings.TrimSpace(text))
}

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\r?\n?(.*?)```")

func parseFenced(text string) (rawDecision, bool) {
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		if raw, ok := decodeDecision(strings.TrimSpace(m[1])); ok {
			return raw, true
		}
	}
	return rawDecision{}, false
}

func parseEmbedded(text string) (rawDecision, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			candidate := text[start : end+1]
			if strings.Contains(candidate, `"action"`) {
				if raw, ok := decodeDecision(candidate); ok {
					return raw, true
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return rawDecision{}, false
}

// matchBrace returns the index of the brace closing the one at open, or -1.
// Braces inside JSON strings are ignored.
func matchBrace(text string, open int) int {
	depth := 0
	inString, escaped := false, false
	for i := open; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// decodeDecision parses s as a JSON object with an "action" key.
func decodeDecision(s string) (rawDecision, bool) {
	if !strings.HasPrefix(s, "{") {
		return rawDecision{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return rawDecision{}, false
	}
	if _, ok := fields["action"]; !ok {
		return rawDecision{}, false
	}
	var raw rawDecision
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		// A non-string action or reason.
		return rawDecision{}, false
	}
	return raw, true
}

// waitSeconds accepts a JSON number or a numeric string.
func waitSeconds(msg json.RawMessage) int {
	if len(msg) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(msg, &n); err == nil {
		return clampWait(n)
	}
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return clampWait(f)
		}
	}
	return 0
}

func clampWait(f float64) int {
	if f <= 0 {
		return 0
	}
	return int(f + 0.5)
}
