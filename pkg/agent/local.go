package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/store"
)

// Built-in local tool names.
const (
	ToolListDocuments = "list_documents"
	ToolReadDocument  = "read_document"
)

// ToolResult is a local tool outcome folded back into the conversation as a
// tool_result message.
type ToolResult struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Encode renders the result as the tool_result message body.
func (r ToolResult) Encode() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(b)
}

// LocalExecutor runs in-process tools. Tool failures never propagate as
// errors to the runtime; they surface as failing ToolResults so the agent
// can react.
type LocalExecutor struct {
	store  store.EntityStore
	logger *slog.Logger
}

// NewLocalExecutor creates the executor over the knowledge store.
func NewLocalExecutor(s store.EntityStore) *LocalExecutor {
	return &LocalExecutor{
		store:  s,
		logger: slog.Default().With("component", "local_tools"),
	}
}

// Execute dispatches a tool call to its built-in implementation.
func (e *LocalExecutor) Execute(ctx context.Context, call models.ToolCall) ToolResult {
	switch call.Name {
	case ToolListDocuments:
		return e.listDocuments(ctx, call)
	case ToolReadDocument:
		return e.readDocument(ctx, call)
	default:
		return ToolResult{Success: false, Error: fmt.Sprintf("unknown local tool %q", call.Name)}
	}
}

func (e *LocalExecutor) listDocuments(ctx context.Context, call models.ToolCall) ToolResult {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		e.logger.Warn("list_documents failed", "error", err)
		return ToolResult{Success: false, Error: "failed to list documents"}
	}

	category, _ := call.Arguments["category"].(string)
	type entry struct {
		Name     string `json:"name"`
		Title    string `json:"title,omitempty"`
		Category string `json:"category,omitempty"`
	}
	out := make([]entry, 0, len(docs))
	for _, doc := range docs {
		if category != "" && doc.Category != category {
			continue
		}
		out = append(out, entry{Name: doc.Name, Title: doc.Title, Category: doc.Category})
	}
	content, err := json.Marshal(out)
	if err != nil {
		return ToolResult{Success: false, Error: "failed to encode document list"}
	}
	return ToolResult{Success: true, Content: string(content)}
}

func (e *LocalExecutor) readDocument(ctx context.Context, call models.ToolCall) ToolResult {
	name, _ := call.Arguments["name"].(string)
	if name == "" {
		return ToolResult{Success: false, Error: "read_document requires a document name"}
	}
	docs, err := e.store.GetContextDocumentsByNames(ctx, []string{name})
	if err != nil {
		e.logger.Warn("read_document failed", "name", name, "error", err)
		return ToolResult{Success: false, Error: "failed to read document"}
	}
	if len(docs) == 0 {
		return ToolResult{Success: false, Error: fmt.Sprintf("document %q not found", name)}
	}
	return ToolResult{Success: true, Content: docs[0].Content}
}
