package models

// ActionType selects which registered executor handles a ToDo.
type ActionType string

const (
	// ActionNoop is a built-in action that succeeds without doing anything.
	ActionNoop ActionType = "noop"
	// ActionShell runs a shell command given in the "command" parameter.
	ActionShell ActionType = "shell"
)

// ToDo represents one atomic unit of work inside a task graph.
type ToDo struct {
	// ID is the node identifier, unique within its graph.
	ID string `json:"id"`
	// ActionType selects the executor that performs this node.
	ActionType ActionType `json:"action_type"`
	// Parameters holds executor-specific inputs.
	Parameters map[string]string `json:"parameters,omitempty"`
	// DependsOn lists node IDs that must complete before this node.
	DependsOn []string `json:"depends_on,omitempty"`
}
