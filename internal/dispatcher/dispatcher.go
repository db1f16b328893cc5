// Package dispatcher is the classifier/dispatcher (C10): given a user's
// message and its surrounding context, it calls a small-LM client and
// routes the result to either a direct answer or a background task
// request. The sentinel-parsing and context-budget rules follow the
// distilled routing contract directly; input sanitization follows the
// executable-safety validator's table-driven regex + sanitize-returns-
// error idiom, generalized from argv strings to free-text chat content.
package dispatcher

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/mjfuentes/orchestrator/pkg/models"
)

const (
	sentinelPrefix       = "BACKGROUND_TASK"
	sentinelDelim        = "|"
	maxRecentMessages    = 2
	maxMessageChars      = 500
	maxActiveTasks       = 3
	maxLogLines          = 50
	maxContentChars      = 8000 // beyond this, reject outright as likely injection/abuse
)

// Pattern definitions for input sanitization.
var (
	// controlTokenPattern matches chat-control-channel lookalikes an
	// attacker might smuggle into user content to influence the system
	// prompt (e.g. closing a role tag, opening an instruction block).
	controlTokenPattern = regexp.MustCompile(`(?i)</?(system|assistant|role)>|\[/?(INST|SYS)\]`)

	// roleOverridePattern flags vocabulary commonly used in prompt-injection
	// attempts to impersonate a higher-privilege instruction.
	roleOverridePattern = regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions|you are now|new system prompt`)

	// sentinelLine matches a BACKGROUND_TASK sentinel possibly wrapped in
	// code-fence or blank-line noise from the small-LM's output.
	sentinelLine = regexp.MustCompile(`(?m)^` + sentinelPrefix + `\` + sentinelDelim + `(.*)\` + sentinelDelim + `(.*)$`)
)

// ErrMaliciousInput is returned by Sanitize when content is rejected
// outright rather than merely escaped.
var ErrMaliciousInput = models.NewError(models.ErrMaliciousInput, "input rejected by sanitizer", nil)

// LMClient is the small-LM completion client C10 drives. Modeled on the
// teacher's own provider Complete(ctx, req) shape, trimmed to the single
// text-in/text-out call this component needs. It also reports token
// usage so a direct answer's cost can be charged against the caller.
type LMClient interface {
	Complete(ctx context.Context, systemPrompt, userContent string) (string, models.TokenUsage, error)
}

// Request is everything the classifier needs to route one message.
type Request struct {
	UserID           string
	Content          string
	History          []models.Message
	CurrentWorkspace string
	ActiveTasks      []string // active task descriptions, most recent first
	LogLines         []string // recent log context, most recent last
}

// DirectAnswer is returned verbatim to the user. Usage/Model let the
// caller charge the cost gate for the completion that produced it.
type DirectAnswer struct {
	Text  string
	Model string
	Usage models.TokenUsage
}

// BackgroundTaskSpec asks C8 to create a task after userReplyText has
// already been sent back to the user.
type BackgroundTaskSpec struct {
	Description   string
	UserReplyText string
}

// Result is exactly one of Direct or Background, never both.
type Result struct {
	Direct     *DirectAnswer
	Background *BackgroundTaskSpec
}

// Dispatcher classifies and routes user messages.
type Dispatcher struct {
	client LMClient
	model  string // name attached to DirectAnswer.Model for cost attribution
}

// New returns a Dispatcher driving client for completions against model.
func New(client LMClient, model string) *Dispatcher {
	return &Dispatcher{client: client, model: model}
}

// Classify sanitizes req.Content, builds the bounded-size context for the
// small-LM, and parses its response into a Result.
func (d *Dispatcher) Classify(ctx context.Context, req Request) (Result, error) {
	clean, err := Sanitize(req.Content)
	if err != nil {
		return Result{}, err
	}

	prompt := buildContext(req, clean)
	out, usage, err := d.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("classifier completion: %w", err)
	}

	result := parseResponse(out)
	if result.Direct != nil {
		result.Direct.Model = d.model
		result.Direct.Usage = usage
	}
	return result, nil
}

// Sanitize HTML-escapes content and strips control-channel lookalikes,
// rejecting outright with ErrMaliciousInput if a heuristic flags likely
// prompt injection.
func Sanitize(content string) (string, error) {
	if len(content) > maxContentChars {
		return "", ErrMaliciousInput
	}
	if roleOverridePattern.MatchString(content) {
		return "", ErrMaliciousInput
	}

	stripped := controlTokenPattern.ReplaceAllString(content, "")
	escaped := html.EscapeString(stripped)
	return strings.TrimSpace(escaped), nil
}

// buildContext assembles the small-LM prompt under the §4.10 context
// budget: the most recent 2 messages truncated to 500 characters each, at
// most 3 active task descriptions, and at most 50 lines of log context.
func buildContext(req Request, content string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "User: %s\n", req.UserID)
	if req.CurrentWorkspace != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", req.CurrentWorkspace)
	}

	recent := req.History
	if len(recent) > maxRecentMessages {
		recent = recent[len(recent)-maxRecentMessages:]
	}
	for _, m := range recent {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, maxMessageChars))
	}

	tasks := req.ActiveTasks
	if len(tasks) > maxActiveTasks {
		tasks = tasks[:maxActiveTasks]
	}
	for _, t := range tasks {
		fmt.Fprintf(&b, "Active task: %s\n", t)
	}

	logs := req.LogLines
	if len(logs) > maxLogLines {
		logs = logs[len(logs)-maxLogLines:]
	}
	for _, l := range logs {
		fmt.Fprintf(&b, "Log: %s\n", l)
	}

	fmt.Fprintf(&b, "Message: %s\n", content)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// parseResponse splits out a BACKGROUND_TASK sentinel if present,
// tolerating surrounding code-fence and blank-line noise; anything else
// is a DirectAnswer.
func parseResponse(out string) Result {
	trimmed := strings.TrimSpace(stripCodeFences(out))

	if m := sentinelLine.FindStringSubmatch(trimmed); m != nil {
		return Result{Background: &BackgroundTaskSpec{
			Description:   strings.TrimSpace(m[1]),
			UserReplyText: strings.TrimSpace(m[2]),
		}}
	}
	return Result{Direct: &DirectAnswer{Text: trimmed}}
}

var codeFence = regexp.MustCompile("(?m)^```[a-zA-Z]*\\s*$")

func stripCodeFences(s string) string {
	return codeFence.ReplaceAllString(s, "")
}

const systemPrompt = `You are a routing classifier. Either answer the user's message directly, or, if it requires running a coding agent task, respond with exactly one line of the form:
BACKGROUND_TASK|<description>|<reply to show the user now>
Any other output is treated as a direct answer shown verbatim.`
