package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	openai "github.com/sashabaranov/go-openai"

	"mcpscheduler/internal/notify"
)

// aiTimeout bounds AI completions independently of the configured execution
// timeout; provider latency is not operator-tunable.
const aiTimeout = 30 * time.Second

const aiSystemPrompt = "You are a helpful assistant executing scheduled tasks."

// shellKeywords are interpreted by the shell, not resolvable as executables.
// A command starting with one of these runs in shell mode.
var shellKeywords = []string{
	"cd", "echo", "exit", "export", "set", "source", "type", "alias",
	"test", "true", "false", "ulimit", "umask", "pushd", "popd",
	"start", "dir", "copy", "del", "md", "rd", "ren", "cls",
}

// AIOptions configures the provider completion client used for ai tasks.
type AIOptions struct {
	Provider     string
	Model        string
	APIKey       string
	BaseURL      string
	Organization string
	MaxTokens    int
	Temperature  float32
}

// Executor runs a task's type-specific action under a timeout and resolves
// every code path to a terminal execution record.
type Executor struct {
	timeout    time.Duration
	httpClient *http.Client
	aiClient   *openai.Client
	aiModel    string
	aiMaxTok   int
	aiTemp     float32
	notifier   notify.Notifier
	logger     *slog.Logger
}

// NewExecutor creates an executor. The AI client is built once here; when no
// API key is configured it stays nil and ai tasks fail fast without I/O.
// notifier is the composed reminder channel; see notify.NewMultiNotifier.
func NewExecutor(timeout time.Duration, ai AIOptions, notifier notify.Notifier, logger *slog.Logger) *Executor {
	e := &Executor{
		timeout:    timeout,
		httpClient: &http.Client{},
		aiModel:    ai.Model,
		aiMaxTok:   ai.MaxTokens,
		aiTemp:     ai.Temperature,
		notifier:   notifier,
		logger:     logger,
	}
	if ai.APIKey == "" {
		logger.Warn("no API key configured for AI tasks", "provider", ai.Provider)
		return e
	}
	var cfg openai.ClientConfig
	if ai.Provider == "azure" {
		cfg = openai.DefaultAzureConfig(ai.APIKey, ai.BaseURL)
	} else {
		cfg = openai.DefaultConfig(ai.APIKey)
		if ai.BaseURL != "" {
			cfg.BaseURL = ai.BaseURL
		}
		cfg.OrgID = ai.Organization
	}
	e.aiClient = openai.NewClientWithConfig(cfg)
	logger.Info("AI client initialized", "provider", ai.Provider, "model", ai.Model)
	return e
}

// Execute runs the task's action and returns a terminal execution record.
// It never returns an error: failures of any kind land in the record's
// Error field so the scheduling loop only has to persist the result.
func (e *Executor) Execute(ctx context.Context, task *Task) *TaskExecution {
	started := time.Now().UTC()
	execution := &TaskExecution{
		ID:        NewID(),
		TaskID:    task.ID,
		Status:    ExecutionStatusRunning,
		StartTime: started,
	}

	var output string
	var err error
	switch task.Type {
	case TaskTypeShellCommand:
		output, err = e.runShellCommand(ctx, task.Command)
	case TaskTypeAPICall:
		output, err = e.runAPICall(ctx, task)
	case TaskTypeAI:
		output, err = e.runAICompletion(ctx, task.Prompt)
	case TaskTypeReminder:
		output, err = e.runReminder(ctx, task)
	default:
		err = fmt.Errorf("unsupported task type: %s", task.Type)
	}

	ended := time.Now().UTC()
	execution.EndTime = &ended
	if err != nil {
		execution.Status = ExecutionStatusFailed
		msg := err.Error()
		execution.Error = &msg
		e.logger.Warn("task execution failed", "task_id", task.ID, "type", task.Type, "err", msg)
	} else {
		execution.Status = ExecutionStatusCompleted
		execution.Output = &output
	}
	return execution
}

// runShellCommand spawns the command under the execution timeout. Commands
// containing pipes/redirections or starting with a shell keyword run through
// the shell; everything else is split into an argument vector and executed
// directly to avoid shell injection surprises.
func (e *Executor) runShellCommand(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", errors.New("no command specified")
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if useShellMode(command) {
		cmd = shellCommand(cctx, command)
	} else {
		args, err := shellquote.Split(command)
		if err != nil {
			return "", fmt.Errorf("invalid command syntax: %v", err)
		}
		if len(args) == 0 {
			return "", errors.New("no command specified")
		}
		cmd = exec.CommandContext(cctx, args[0], args[1:]...) // #nosec G204
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %d seconds", int(e.timeout.Seconds()))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "unknown error"
			}
			return "", fmt.Errorf("command failed with exit code %d: %s", exitErr.ExitCode(), msg)
		}
		return "", fmt.Errorf("failed to execute command: %v", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func useShellMode(command string) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	if strings.ContainsAny(command, "|<>") {
		return true
	}
	first := strings.ToLower(strings.Fields(strings.TrimSpace(command))[0])
	for _, kw := range shellKeywords {
		if first == kw {
			return true
		}
	}
	return false
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

// runAPICall issues the HTTP request. The JSON body is sent only for
// POST/PUT/PATCH; any status below 400 counts as success and the response
// body becomes the output.
func (e *Executor) runAPICall(ctx context.Context, task *Task) (string, error) {
	if task.APIURL == "" {
		return "", errors.New("no URL specified")
	}
	method := strings.ToUpper(task.APIMethod)
	if method == "" {
		method = http.MethodGet
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var body io.Reader
	hasBody := false
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if task.APIBody != nil {
			encoded, err := json.Marshal(task.APIBody)
			if err != nil {
				return "", fmt.Errorf("encode request body: %v", err)
			}
			body = bytes.NewReader(encoded)
			hasBody = true
		}
	}

	req, err := http.NewRequestWithContext(cctx, method, task.APIURL, body)
	if err != nil {
		return "", fmt.Errorf("API call failed: %v", err)
	}
	for k, v := range task.APIHeaders {
		req.Header.Set(k, v)
	}
	if hasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("API call timed out after %d seconds", int(e.timeout.Seconds()))
		}
		return "", fmt.Errorf("API call failed: %v", err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %v", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("API call failed with status %d: %s", resp.StatusCode, string(text))
	}
	return string(text), nil
}

// runAICompletion sends the prompt to the configured provider under the
// fixed AI timeout. Without a client it fails immediately, no network call.
func (e *Executor) runAICompletion(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", errors.New("no prompt specified")
	}
	if e.aiClient == nil {
		return "", errors.New("No AI client configured for AI tasks")
	}

	cctx, cancel := context.WithTimeout(ctx, aiTimeout)
	defer cancel()

	resp, err := e.aiClient.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model:       e.aiModel,
		MaxTokens:   e.aiMaxTok,
		Temperature: e.aiTemp,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: aiSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return "", errors.New("AI API call timed out")
		}
		return "", fmt.Errorf("AI task failed: %v", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("AI task failed: provider returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// runReminder delivers the reminder through the configured notifier chain.
func (e *Executor) runReminder(ctx context.Context, task *Task) (string, error) {
	title := task.ReminderTitle
	if title == "" {
		title = task.Name
	}
	if task.ReminderMessage == "" {
		return "", errors.New("no message specified for reminder")
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.notifier.Send(cctx, title, task.ReminderMessage); err != nil {
		return "", err
	}
	return fmt.Sprintf("Displayed notification: %s", title), nil
}
