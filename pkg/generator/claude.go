package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ClaudeCLI completes prompts by running the claude CLI in print mode.
type ClaudeCLI struct {
	model   string
	workDir string
	timeout time.Duration
}

func (c *ClaudeCLI) Name() string { return ProviderClaude + "/" + c.model }

// Complete runs `claude -p <prompt> --output-format json` and returns the
// result field.
func (c *ClaudeCLI) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{"-p", prompt, "--output-format", "json"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = c.workDir
	// Drop CLAUDECODE so the subprocess does not detect a nested session.
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "CLAUDECODE=") {
			cmd.Env = append(cmd.Env, env)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("run claude: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseClaudeOutput(stdout.Bytes())
}

// parseClaudeOutput extracts the result from --output-format json. Output
// that is not JSON is returned as is.
func parseClaudeOutput(out []byte) (string, error) {
	var parsed struct {
		Result  string `json:"result"`
		IsError bool   `json:"is_error"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return strings.TrimSpace(string(out)), nil
	}
	if parsed.IsError {
		return "", fmt.Errorf("claude: %s", parsed.Result)
	}
	return parsed.Result, nil
}
