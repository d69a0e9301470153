package config

import (
	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/process"
	"github.com/SynidSweet/the-system/pkg/runtime"
)

// Default returns the built-in configuration. User YAML merges over it.
func Default() *Config {
	settings := runtime.DefaultSettings()
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			User:         "orchestrator",
			Database:     "orchestrator",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Runtime: RuntimeConfig{
			MaxConcurrentAgents:        settings.MaxConcurrentAgents,
			MaxConsecutiveCallsPerTree: settings.MaxConsecutiveCallsPerTree,
			ProcessingTick:             Duration(settings.ProcessingTick),
			ManualSteppingEnabled:      settings.ManualSteppingEnabled,
			MaxTaskDepth:               settings.MaxTaskDepth,
			MaxSubtasksPerTask:         settings.MaxSubtasksPerTask,
			TaskTimeout:                Duration(settings.TaskTimeout),
			DefaultAgent:               settings.DefaultAgent,
		},
		Ledger:    LedgerConfig{},
		Providers: map[string]ProviderConfig{},
	}
}

// BuiltinSeeds returns the default agents, tools, and context documents. A
// fresh install runs the happy-path scenario with nothing but these.
func BuiltinSeeds() Seeds {
	return Seeds{
		Agents:    builtinAgents(),
		Tools:     builtinTools(),
		Documents: builtinDocuments(),
	}
}

func builtinAgents() []models.AgentSpec {
	coreTools := []string{
		process.ProcessBreakDownTask,
		process.ProcessCreateSubtask,
		process.ProcessEndTask,
		process.ProcessNeedMoreContext,
		process.ProcessNeedMoreTools,
		process.ProcessFlagForReview,
		"list_documents",
		"read_document",
	}
	return []models.AgentSpec{
		{
			Name: "agent_selector",
			Instruction: "You route incoming tasks. Read the task instruction and either " +
				"handle it directly, break it into subtasks with break_down_task, or " +
				"delegate a single piece with create_subtask naming a specialist agent. " +
				"When the work is done, call end_task with a summary of the outcome.",
			ContextDocuments: []string{"system_guide"},
			AvailableTools:   coreTools,
			Active:           true,
		},
		{
			Name: "task_breakdown",
			Instruction: "You decompose complex tasks. Produce the smallest set of " +
				"independent subtasks that together accomplish the instruction, create " +
				"them with break_down_task, and call end_task once the breakdown is " +
				"registered.",
			ContextDocuments: []string{"system_guide"},
			AvailableTools:   coreTools,
			Active:           true,
		},
		{
			Name: "context_provider",
			Instruction: "You gather context for another task. Use list_documents and " +
				"read_document to collect what the requesting task needs, summarise it, " +
				"and call end_task with the summary as the result.",
			ContextDocuments: []string{"system_guide"},
			AvailableTools: []string{
				process.ProcessEndTask, "list_documents", "read_document",
			},
			Active: true,
		},
		{
			Name: "investigator",
			Instruction: "You investigate open questions raised by other tasks. Work " +
				"through the question step by step, record findings, and call end_task " +
				"with your conclusions.",
			ContextDocuments: []string{"system_guide"},
			AvailableTools: []string{
				process.ProcessEndTask, process.ProcessCreateSubtask,
				"list_documents", "read_document",
			},
			Active: true,
		},
		{
			Name: "reviewer",
			Instruction: "You review flagged work and evaluate tool requests. Assess " +
				"the flagged item or requested capability, note risks, and call " +
				"end_task with an approve/revise recommendation.",
			ContextDocuments: []string{"system_guide"},
			AvailableTools: []string{
				process.ProcessEndTask, "list_documents", "read_document",
			},
			Active: true,
		},
	}
}

func builtinTools() []models.ToolSpec {
	return []models.ToolSpec{
		{
			Name:        process.ProcessBreakDownTask,
			Description: "Split the current task into blocking subtasks. Provide either a subtasks list or an approach description.",
			ParametersSchema: `{
  "type": "object",
  "properties": {
    "approach": {"type": "string", "description": "How to split the task; used when subtasks is omitted"},
    "subtasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "instruction": {"type": "string"},
          "assigned_agent": {"type": "string"},
          "priority": {"type": "number"}
        },
        "required": ["instruction"]
      }
    }
  }
}`,
			Category:       "orchestration",
			Implementation: models.ToolKindProcess,
			ProcessName:    process.ProcessBreakDownTask,
		},
		{
			Name:        process.ProcessCreateSubtask,
			Description: "Create exactly one blocking subtask with its own instruction.",
			ParametersSchema: `{
  "type": "object",
  "properties": {
    "subtask_instruction": {"type": "string"},
    "assigned_agent": {"type": "string"},
    "process": {"type": "string"},
    "priority": {"type": "number"},
    "additional_context": {"type": "array", "items": {"type": "string"}},
    "additional_tools": {"type": "array", "items": {"type": "string"}},
    "metadata": {"type": "object"}
  },
  "required": ["subtask_instruction"]
}`,
			Category:       "orchestration",
			Implementation: models.ToolKindProcess,
			ProcessName:    process.ProcessCreateSubtask,
		},
		{
			Name:        process.ProcessEndTask,
			Description: "Finish the current task. Call this exactly once, when the work is done or cannot proceed.",
			ParametersSchema: `{
  "type": "object",
  "properties": {
    "status": {"type": "string", "enum": ["success", "failure"]},
    "summary": {"type": "string"},
    "result": {}
  },
  "required": ["status"]
}`,
			Category:       "orchestration",
			Implementation: models.ToolKindProcess,
			ProcessName:    process.ProcessEndTask,
		},
		{
			Name:        process.ProcessNeedMoreContext,
			Description: "Request additional context. Spawns a context-provision subtask when the request passes validation.",
			ParametersSchema: `{
  "type": "object",
  "properties": {
    "request": {"type": "string", "description": "What context is needed, in at least a full sentence"},
    "justification": {"type": "string"}
  },
  "required": ["request", "justification"]
}`,
			Category:       "orchestration",
			Implementation: models.ToolKindProcess,
			ProcessName:    process.ProcessNeedMoreContext,
		},
		{
			Name:        process.ProcessNeedMoreTools,
			Description: "Request a capability the current tool set lacks. Spawns non-blocking evaluation subtasks.",
			ParametersSchema: `{
  "type": "object",
  "properties": {
    "tool_request": {"type": "string"},
    "justification": {"type": "string"}
  },
  "required": ["tool_request", "justification"]
}`,
			Category:       "orchestration",
			Implementation: models.ToolKindProcess,
			ProcessName:    process.ProcessNeedMoreTools,
		},
		{
			Name:        process.ProcessFlagForReview,
			Description: "Flag the current task for review without blocking it.",
			ParametersSchema: `{
  "type": "object",
  "properties": {
    "reason": {"type": "string"},
    "severity": {"type": "string", "enum": ["low", "medium", "high"]}
  },
  "required": ["reason"]
}`,
			Category:       "orchestration",
			Implementation: models.ToolKindProcess,
			ProcessName:    process.ProcessFlagForReview,
		},
		{
			Name:             "list_documents",
			Description:      "List the context documents available in the knowledge store.",
			ParametersSchema: `{"type": "object", "properties": {"category": {"type": "string"}}}`,
			Category:         "knowledge",
			Implementation:   models.ToolKindLocal,
		},
		{
			Name:             "read_document",
			Description:      "Read one context document by name.",
			ParametersSchema: `{"type": "object", "properties": {"name": {"type": "string"}}, "required": ["name"]}`,
			Category:         "knowledge",
			Implementation:   models.ToolKindLocal,
		},
	}
}

func builtinDocuments() []models.DocumentSpec {
	return []models.DocumentSpec{
		{
			Name:     "system_guide",
			Title:    "Orchestrator system guide",
			Category: "guide",
			Format:   "markdown",
			Content: `# How this system works

Every piece of work is a task. You are invoked with a task instruction and a
conversation history; each turn you may call tools or answer in text.

- Finish by calling end_task with a status and summary. Text alone does not
  complete a task.
- If the task is too large for one sitting, call break_down_task; the
  subtasks run independently and you are re-invoked once all of them finish.
- create_subtask delegates one piece of work and blocks you until it
  completes. Its result is appended to your conversation.
- Ask for missing information with need_more_context rather than guessing.
- Flag anything suspicious or out of policy with flag_for_review; it does
  not block your task.
`,
		},
		{
			Name:     "delegation_patterns",
			Title:    "Delegation patterns",
			Category: "pattern",
			Format:   "markdown",
			Content: `# Delegation patterns

Prefer the smallest breakdown that makes progress. Independent subtasks run
concurrently; chains of dependent work are better expressed as a single
subtask that itself delegates. Name a specialist agent (context_provider,
investigator, reviewer) when one clearly fits; otherwise leave assignment to
the selector.
`,
		},
	}
}
