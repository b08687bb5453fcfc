package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/kalambet/taskmind/internal/capability"
	"github.com/kalambet/taskmind/internal/resilience"
)

// Feature flags guarding subprocess execution.
const (
	FeaturePython     = "tools.python"
	FeatureJavaScript = "tools.javascript"
)

const (
	defaultRunTimeout = 60 * time.Second
	maxRunOutput      = 30000
)

var errNoCode = errors.New("no code to run")

var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\\n(.*?)```")

// language describes one interpreter-backed tool.
type language struct {
	name    string
	feature string
	fence   []string
	interp  func(capability.Capabilities) string
}

var (
	python = language{
		name:    "python",
		feature: FeaturePython,
		fence:   []string{"python", "py", "python3"},
		interp:  func(c capability.Capabilities) string { return c.Python },
	}
	javascript = language{
		name:    "javascript",
		feature: FeatureJavaScript,
		fence:   []string{"javascript", "js", "node"},
		interp:  func(c capability.Capabilities) string { return c.Node },
	}
)

// Runner executes prepared code in a local interpreter found by the
// capability probe. Without an interpreter, or after the interpreter failed
// to start once, the tool degrades to returning the code itself.
type Runner struct {
	Caps     capability.Capabilities
	Features *resilience.Features
	Timeout  time.Duration
	// Budget overrides Timeout when set. Recovery grows it after a run
	// times out, so the retry gets more time.
	Budget *resilience.TimeoutBudget
}

func (r Runner) Python(ctx context.Context, params map[string]any) (string, error) {
	return r.run(ctx, python, params)
}

func (r Runner) JavaScript(ctx context.Context, params map[string]any) (string, error) {
	return r.run(ctx, javascript, params)
}

func (r Runner) run(ctx context.Context, lang language, params map[string]any) (string, error) {
	code := String(params, "code")
	if code == "" {
		code = ExtractCode(String(params, "previous"), lang.fence...)
	}
	if code == "" {
		return "", resilience.Permanent(fmt.Errorf("%s: %w", lang.name, errNoCode))
	}

	features := r.Features
	if features == nil {
		features = resilience.NewFeatures(nil)
	}

	// Script failures are step failures, not interpreter outages, so they
	// bypass the feature flag.
	var scriptErr error
	out, err := resilience.ExecuteFeature(ctx, features, lang.feature,
		func(ctx context.Context) (string, error) {
			interp := lang.interp(r.Caps)
			if interp == "" {
				return "", fmt.Errorf("%s interpreter not found", lang.name)
			}
			out, err := r.exec(ctx, interp, code)
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				scriptErr = resilience.Permanent(fmt.Errorf("%s exited with code %d: %s", lang.name, exitErr.ExitCode(), lastLines(out, 5)))
				return out, nil
			}
			return out, err
		},
		func(context.Context) (string, error) {
			return codeOnly(lang.name, code), nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("%s: %w", lang.name, err)
	}
	if scriptErr != nil {
		return "", scriptErr
	}
	return out, nil
}

func (r Runner) timeout() time.Duration {
	if r.Budget != nil {
		if d := r.Budget.Current(); d > 0 {
			return d
		}
	}
	if r.Timeout > 0 {
		return r.Timeout
	}
	return defaultRunTimeout
}

// exec runs code through interp's stdin and returns combined output. A run
// cut short by its timeout or by ctx reports the context error, which is
// retryable after a timeout.
func (r Runner) exec(ctx context.Context, interp, code string) (string, error) {
	timeout := r.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, interp, "-")
	cmd.Stdin = strings.NewReader(code)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := truncate(strings.TrimRight(buf.String(), "\n\r"), maxRunOutput)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return out, fmt.Errorf("run timed out after %s: %w", timeout, ctxErr)
		}
		return out, ctxErr
	}
	return out, err
}

func codeOnly(lang, code string) string {
	return fmt.Sprintf("No %s interpreter is available on this machine, so the code was not run. "+
		"Run it yourself:\n\n```%s\n%s\n```", lang, lang, code)
}

// ExtractCode returns the first fenced block whose info string is one of
// langs, then the first fenced block of any language. Text without fences
// is returned trimmed as is.
func ExtractCode(text string, langs ...string) string {
	matches := fencePattern.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		for _, l := range langs {
			if strings.EqualFold(m[1], l) {
				return strings.TrimSpace(m[2])
			}
		}
	}
	if len(matches) > 0 {
		return strings.TrimSpace(matches[0][2])
	}
	return strings.TrimSpace(text)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
