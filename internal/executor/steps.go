package executor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shehryarbajwa/browserpool/internal/driver"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// Candidate selectors tried in order when a step does not name its
// own. Pages rarely expose stable selectors, so each interactive step
// falls back through a list until one matches.
var (
	defaultInputSelectors = []string{
		"textarea",
		"input[type='text']",
		"input:not([type])",
		"div[contenteditable='true']",
	}

	defaultButtonSelectors = []string{
		"button[type='submit']",
		"input[type='submit']",
		"button",
	}

	defaultOutputSelectors = []string{
		"main",
		"article",
		"pre",
		"div[role='region']",
		"div[role='alert']",
	}
)

// runStep interprets one action envelope against the session. The
// core never inspects params beyond this dispatch.
func runStep(session driver.Session, step models.Step, budget time.Duration) (string, error) {
	get := func(key string) string { return step.Params[key] }

	switch step.Action {
	case "navigate":
		url := get("url")
		if url == "" {
			return "", fmt.Errorf("navigate requires a url param")
		}
		return session.Navigate(url, get("wait_until"), budget)

	case "fill":
		value, ok := step.Params["value"]
		if !ok {
			return "", fmt.Errorf("fill requires a value param")
		}
		return session.Fill(candidates(get("selector"), defaultInputSelectors), value, budget)

	case "click":
		return session.Click(candidates(get("selector"), defaultButtonSelectors), budget)

	case "evaluate":
		script := get("script")
		if script == "" {
			return "", fmt.Errorf("evaluate requires a script param")
		}
		return session.Evaluate(script, budget)

	case "wait":
		selector := get("selector")
		if selector == "" {
			return "", fmt.Errorf("wait requires a selector param")
		}
		return session.WaitFor(selector, get("state"), budget)

	case "extract":
		return session.Extract(candidates(get("selector"), defaultOutputSelectors),
			intParam(get("max_length")), budget)

	case "screenshot":
		return session.Screenshot()

	case "snapshot":
		return session.Snapshot(intParam(get("max_length")))

	default:
		return "", fmt.Errorf("unknown action %q", step.Action)
	}
}

// candidates splits an explicit "a || b || c" selector list, falling
// back to the action's defaults when the step names none. "||" is not
// valid CSS, so it is safe as a separator.
func candidates(selector string, defaults []string) []string {
	if selector == "" {
		return defaults
	}
	parts := strings.Split(selector, "||")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaults
	}
	return out
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
