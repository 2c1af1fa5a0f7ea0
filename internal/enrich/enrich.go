// Package enrich gathers best-effort context for a task before it is handed
// to the executor.
package enrich

import (
	"context"
	"fmt"
	"strings"
)

// Request identifies the task being enriched.
type Request struct {
	OrchestratorID  string `json:"orchestratorId"`
	OrchestratorKey string `json:"orchestratorKey"`
	TaskID          string `json:"taskId"`
	TaskKey         string `json:"taskKey"`
	TaskType        string `json:"taskType,omitempty"`
	Title           string `json:"title,omitempty"`
}

// Enricher returns additional knowledge for a task. Callers treat any error
// as "no knowledge".
type Enricher interface {
	Enrich(ctx context.Context, req Request) (string, error)
}

// Nop never returns knowledge.
type Nop struct{}

func (Nop) Enrich(context.Context, Request) (string, error) { return "", nil }

// Func adapts a function to Enricher.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Enrich(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

const noKnowledge = "(no additional context available)"

// BuildContext renders the context block handed to the executor. It always
// carries the task identifiers and a DYNAMIC KNOWLEDGE section, even when
// knowledge is empty.
func BuildContext(req Request, workspacePath, knowledge string) string {
	var b strings.Builder
	b.WriteString("## TASK CONTEXT\n")
	fmt.Fprintf(&b, "taskId: %s\n", req.TaskID)
	fmt.Fprintf(&b, "taskKey: %s\n", req.TaskKey)
	if req.TaskType != "" {
		fmt.Fprintf(&b, "taskType: %s\n", req.TaskType)
	}
	if req.Title != "" {
		fmt.Fprintf(&b, "title: %s\n", req.Title)
	}
	fmt.Fprintf(&b, "orchestratorId: %s\n", req.OrchestratorID)
	fmt.Fprintf(&b, "orchestratorKey: %s\n", req.OrchestratorKey)
	if workspacePath != "" {
		fmt.Fprintf(&b, "workspace: %s\n", workspacePath)
	}

	b.WriteString("\n## DYNAMIC KNOWLEDGE\n")
	knowledge = strings.TrimSpace(knowledge)
	if knowledge == "" {
		knowledge = noKnowledge
	}
	b.WriteString(knowledge)
	b.WriteString("\n")
	return b.String()
}
