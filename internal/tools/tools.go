// Package tools resolves the effective tool set a session may invoke.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Family groups base tools behind a session capability gate.
type Family string

const (
	FamilyRead  Family = "read"
	FamilyWrite Family = "write"
	FamilyTodo  Family = "todo"
	FamilyMCP   Family = "mcp"
)

// Tool describes one invocable tool. Execution lives with the session
// runtime; the resolver only decides which tools exist.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Family      Family          `json:"family"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Base tool names in resolution order.
const (
	Read      = "read"
	LS        = "ls"
	Glob      = "glob"
	Grep      = "grep"
	Fetch     = "fetch"
	Write     = "write"
	Edit      = "edit"
	Bash      = "bash"
	TodoRead  = "todoRead"
	TodoWrite = "todoWrite"
)

// baseTools is the fixed base order: the read-only family, then the
// write family, then the todo family.
var baseTools = []Tool{
	{Name: Read, Family: FamilyRead, Description: "Read a file from the workspace"},
	{Name: LS, Family: FamilyRead, Description: "List directory contents"},
	{Name: Glob, Family: FamilyRead, Description: "Find files by glob pattern"},
	{Name: Grep, Family: FamilyRead, Description: "Search file contents by regular expression"},
	{Name: Fetch, Family: FamilyRead, Description: "Fetch a URL and return its content"},
	{Name: Write, Family: FamilyWrite, Description: "Create or overwrite a file"},
	{Name: Edit, Family: FamilyWrite, Description: "Replace text within a file"},
	{Name: Bash, Family: FamilyWrite, Description: "Run a shell command in the workspace"},
	{Name: TodoRead, Family: FamilyTodo, Description: "Read the session todo list"},
	{Name: TodoWrite, Family: FamilyTodo, Description: "Update the session todo list"},
}

// BaseNames returns the names of every base tool in resolution order.
func BaseNames() []string {
	names := make([]string, len(baseTools))
	for i, t := range baseTools {
		names[i] = t.Name
	}
	return names
}

// Options are the session capability gates.
type Options struct {
	Write bool `json:"write"`
	Todo  bool `json:"todo"`
}

// Config is the user's per-tool switch map. A missing entry means
// enabled; names that match no tool are ignored.
type Config map[string]bool

func (c Config) disabled(name string) bool {
	enabled, ok := c[name]
	return ok && !enabled
}

// MCPLister supplies externally hosted tools, already namespaced as
// mcp__<server>/<tool>.
type MCPLister interface {
	AllTools(ctx context.Context) ([]Tool, error)
}

// MCPName returns the namespaced name for tool on server.
func MCPName(server, tool string) string {
	return "mcp__" + server + "/" + tool
}

// Set is an ordered effective tool set.
type Set []Tool

// Names returns the tool names in order.
func (s Set) Names() []string {
	names := make([]string, len(s))
	for i, t := range s {
		names[i] = t.Name
	}
	return names
}

// Lookup returns the named tool or an *ErrToolUnavailable.
func (s Set) Lookup(name string) (Tool, error) {
	for _, t := range s {
		if t.Name == name {
			return t, nil
		}
	}
	return Tool{}, &ErrToolUnavailable{ToolName: name}
}

// Resolve computes the effective tool set. The base families are gated
// by opts, then entries set to false in cfg are removed, then MCP tools
// from lister are appended in the order the lister returns them unless
// their exact namespaced name is set to false. lister may be nil.
func Resolve(ctx context.Context, opts Options, cfg Config, lister MCPLister) (Set, error) {
	set := make(Set, 0, len(baseTools))
	for _, t := range baseTools {
		switch t.Family {
		case FamilyWrite:
			if !opts.Write {
				continue
			}
		case FamilyTodo:
			if !opts.Todo {
				continue
			}
		}
		if cfg.disabled(t.Name) {
			continue
		}
		set = append(set, t)
	}

	if lister == nil {
		return set, nil
	}
	mcpTools, err := lister.AllTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list MCP tools: %w", err)
	}
	for _, t := range mcpTools {
		if cfg.disabled(t.Name) {
			continue
		}
		t.Family = FamilyMCP
		set = append(set, t)
	}
	return set, nil
}
