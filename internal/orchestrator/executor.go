package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/dispatch/internal/exec"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Executor performs one ToDo node. Implementations must not panic and must
// not return errors out of band: every failure mode surfaces as an
// ExecutionResult with Success set to false.
type Executor interface {
	Execute(ctx context.Context, todo *models.ToDo) models.ExecutionResult
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, todo *models.ToDo) models.ExecutionResult

// Execute calls the wrapped function.
func (f ExecutorFunc) Execute(ctx context.Context, todo *models.ToDo) models.ExecutionResult {
	return f(ctx, todo)
}

// Registry maps action types to executors. Implementations are registered at
// startup; dispatching an action type with no registered executor fails that
// job, never the orchestrator loop.
type Registry struct {
	mu        sync.RWMutex
	executors map[models.ActionType]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[models.ActionType]Executor)}
}

// Register binds an executor to an action type.
// Registering the same action type twice is a configuration bug.
func (r *Registry) Register(action models.ActionType, ex Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[action]; exists {
		return fmt.Errorf("executor already registered for action type %q", action)
	}
	r.executors[action] = ex
	return nil
}

// Lookup returns the executor for an action type.
func (r *Registry) Lookup(action models.ActionType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[action]
	return ex, ok
}

// Actions returns the registered action types in ascending order.
func (r *Registry) Actions() []models.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actions := make([]models.ActionType, 0, len(r.executors))
	for a := range r.executors {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}

// NoopExecutor succeeds immediately without doing anything. Useful for
// placeholder plan nodes and for wiring tests.
type NoopExecutor struct{}

// Execute reports success with no output.
func (NoopExecutor) Execute(_ context.Context, todo *models.ToDo) models.ExecutionResult {
	return models.ExecutionResult{TodoID: todo.ID, Success: true}
}

// ShellExecutor runs the node's "command" parameter through a CommandRunner.
type ShellExecutor struct {
	// Runner executes the command. Defaults to the os/exec-backed runner.
	Runner exec.CommandRunner
	// WorkDir is the working directory for commands, empty for inherited.
	WorkDir string
}

// NewShellExecutor creates a ShellExecutor using the real command runner.
func NewShellExecutor(workDir string) *ShellExecutor {
	return &ShellExecutor{Runner: exec.NewRunner(), WorkDir: workDir}
}

// Execute runs the node's command and folds any error into the result.
func (s *ShellExecutor) Execute(ctx context.Context, todo *models.ToDo) models.ExecutionResult {
	command, ok := todo.Parameters["command"]
	if !ok || strings.TrimSpace(command) == "" {
		return models.ExecutionResult{
			TodoID:  todo.ID,
			Success: false,
			Error:   fmt.Sprintf("node %s: shell action requires a %q parameter", todo.ID, "command"),
		}
	}

	output, err := s.Runner.RunShell(ctx, s.WorkDir, command)
	res := models.ExecutionResult{
		TodoID:  todo.ID,
		Success: err == nil,
		Output:  string(output),
	}
	if err != nil {
		res.Error = fmt.Sprintf("command failed: %v", err)
	}
	return res
}

// runWithTimeout invokes an executor with a per-node deadline. Executors that
// ignore context cancellation are abandoned at the deadline; their node is
// recorded as a timeout failure feeding the normal failure path.
func runWithTimeout(ctx context.Context, ex Executor, todo *models.ToDo, timeout time.Duration) models.ExecutionResult {
	nctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resCh := make(chan models.ExecutionResult, 1)
	go func() {
		resCh <- ex.Execute(nctx, todo)
	}()

	select {
	case res := <-resCh:
		return res
	case <-nctx.Done():
		return models.ExecutionResult{
			TodoID:  todo.ID,
			Success: false,
			Error:   fmt.Sprintf("node %s timed out after %s: %v", todo.ID, timeout, nctx.Err()),
		}
	}
}
