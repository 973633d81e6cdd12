package models

import (
	"encoding/json"
	"time"
)

// CurrentState tracks the lifecycle of a single agent execution event.
type CurrentState string

const (
	StateInit       CurrentState = "init"
	StateProcessing CurrentState = "processing"
	StateInterrupt  CurrentState = "interrupt"
	StateComplete   CurrentState = "complete"
	StateError      CurrentState = "error"
)

// Terminal reports whether the state ends the run from the client's
// perspective.
func (s CurrentState) Terminal() bool {
	return s == StateComplete || s == StateError
}

// ExecuteType is the closed set of business event types published by workers.
type ExecuteType string

const (
	ExecAssistantResponse ExecuteType = "assistant_response"
	ExecToolJobPlan       ExecuteType = "tool_job_plan"
	ExecToolUseTemplate   ExecuteType = "tool_use_template"
	ExecToolFileView      ExecuteType = "tool_file_view"
	ExecToolFileRead      ExecuteType = "tool_file_read"
	ExecToolFileEdit      ExecuteType = "tool_file_edit"
	ExecToolMultiEdit     ExecuteType = "tool_multi_edit"
	ExecToolTodoRead      ExecuteType = "tool_todo_read"
	ExecToolTodoWrite     ExecuteType = "tool_todo_write"
	ExecToolBash          ExecuteType = "tool_bash"
	ExecToolFilesCreation ExecuteType = "tool_files_creation"
	ExecToolFilesView     ExecuteType = "tool_files_view"
	ExecToolFilesEdit     ExecuteType = "tool_files_edit"
	ExecToolSuggestNext   ExecuteType = "tool_suggest_next_steps"
	ExecToolGlob          ExecuteType = "tool_glob"
	ExecToolLs            ExecuteType = "tool_ls"
	ExecToolGrep          ExecuteType = "tool_grep"
	ExecFlowCompletion    ExecuteType = "flow_completion"
	ExecSandboxInfo       ExecuteType = "status_sandbox_info"
)

// JobPlanStep is one step of a plan produced by the planning tool.
type JobPlanStep struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// JobPlan is the planning tool output.
type JobPlan struct {
	Goal  string        `json:"goal"`
	Steps []JobPlanStep `json:"steps,omitempty"`
}

// BashResult is the bash tool output.
type BashResult struct {
	Cmd    string `json:"cmd"`
	Cwd    string `json:"cwd,omitempty"`
	Result string `json:"result,omitempty"`
}

// GlobResult is the glob tool output.
type GlobResult struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
	Result  string `json:"result,omitempty"`
}

// LsResult is the ls tool output.
type LsResult struct {
	Path   string   `json:"path"`
	Ignore []string `json:"ignore,omitempty"`
	Result string   `json:"result,omitempty"`
}

// GrepResult is the grep tool output.
type GrepResult struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
	Result  string `json:"result,omitempty"`
}

// FileReadResult is the file-read tool output.
type FileReadResult struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content,omitempty"`
}

// FileWriteResult is the file-write tool output.
type FileWriteResult struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content,omitempty"`
}

// EditOperation is a single old-for-new replacement.
type EditOperation struct {
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

// FileEditResult is the file-edit tool output.
type FileEditResult struct {
	FilePath string `json:"file_path"`
	Edit     EditOperation
}

// MarshalJSON flattens the edit operation into the result object the way the
// wire format expects.
func (r FileEditResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		FilePath  string `json:"file_path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}{r.FilePath, r.Edit.OldString, r.Edit.NewString})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *FileEditResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		FilePath  string `json:"file_path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.FilePath = raw.FilePath
	r.Edit = EditOperation{OldString: raw.OldString, NewString: raw.NewString}
	return nil
}

// MultiEditResult is the multi-edit tool output.
type MultiEditResult struct {
	FilePath string          `json:"file_path"`
	Edits    []EditOperation `json:"edits,omitempty"`
}

// Todo is one entry of the worker's todo list.
type Todo struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

// TodoListResult is the todo-read/todo-write tool output.
type TodoListResult struct {
	Todos []Todo `json:"todos,omitempty"`
}

// UseTemplateResult is the use-template tool output.
type UseTemplateResult struct {
	TemplateName string `json:"template_name"`
	TargetPath   string `json:"target_path,omitempty"`
}

// SandboxInfo describes the sandbox a run executes in.
type SandboxInfo struct {
	SandboxID  string `json:"sandbox_id"`
	SandboxURL string `json:"sandbox_url"`
	AppPath    string `json:"app_path"`
}

// ExecuteResult is the tagged union of tool outputs. Exactly one member is
// populated, keyed by the event's ExecuteType; unset members are suppressed
// on the wire.
type ExecuteResult struct {
	AssistantResponse *string            `json:"assistant_response_result,omitempty"`
	JobPlan           *JobPlan           `json:"tool_job_plan_result,omitempty"`
	Bash              *BashResult        `json:"tool_bash_result,omitempty"`
	FileWrite         *FileWriteResult   `json:"tool_file_write_result,omitempty"`
	UseTemplate       *UseTemplateResult `json:"tool_use_template_result,omitempty"`
	FileEdit          *FileEditResult    `json:"tool_file_edit_result,omitempty"`
	MultiEdit         *MultiEditResult   `json:"tool_multi_edit_result,omitempty"`
	TodoRead          *TodoListResult    `json:"tool_todo_read_result,omitempty"`
	TodoWrite         *TodoListResult    `json:"tool_todo_write_result,omitempty"`
	SuggestNextSteps  []string           `json:"tool_suggest_next_steps_result,omitempty"`
	SandboxInfo       *SandboxInfo       `json:"status_sandbox_info,omitempty"`
	FlowCompletion    *string            `json:"flow_completion_message,omitempty"`
	Glob              *GlobResult        `json:"tool_glob_result,omitempty"`
	Ls                *LsResult          `json:"tool_ls_result,omitempty"`
	Grep              *GrepResult        `json:"tool_grep_result,omitempty"`
	FileRead          *FileReadResult    `json:"tool_file_read_result,omitempty"`
}

// Event is the unit of streamed agent progress. Timestamps are RFC 3339
// strings; an empty string means unset. The publisher stamps CreateAt on
// first publish and ModifyAt on every publish.
type Event struct {
	UUID           string         `json:"uuid"`
	CreateAt       string         `json:"create_at,omitempty"`
	ModifyAt       string         `json:"modify_at,omitempty"`
	CurrentState   CurrentState   `json:"current_state"`
	ExecuteStartAt string         `json:"execute_start_at,omitempty"`
	ExecuteEndAt   string         `json:"execute_end_at,omitempty"`
	ErrorFlag      bool           `json:"error_flag"`
	ExecuteType    ExecuteType    `json:"execute_type"`
	ExecuteResult  *ExecuteResult `json:"execute_result,omitempty"`
}

// Terminal reports whether the event ends its run.
func (e *Event) Terminal() bool {
	return e.CurrentState.Terminal()
}

// Marshal returns the null-suppressed JSON encoding of the event.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes a stored event payload.
func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Timestamp formats t in the canonical event timestamp layout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
