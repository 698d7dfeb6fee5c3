package mcp

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/ganaudit/internal/diag"
	"github.com/danshapiro/ganaudit/internal/handler"
)

const toolName = "gansheet"

const toolDescription = `Iterative adversarial code auditing. Send a thought containing candidate
code (fenced code block, diff, or an inline gan-config block) and receive a
scored review with structured improvement feedback. Reuse the same branchId
across iterations so completion tiers and kill switches can track the loop;
pass loopId to keep the external analyzer's context window alive between
iterations. Thoughts without code pass through as plain sequential thinking.`

// thoughtSchema is both advertised to clients verbatim and compiled for
// server-side argument validation.
const thoughtSchema = `{
  "type": "object",
  "required": ["thought", "thoughtNumber", "totalThoughts", "nextThoughtNeeded"],
  "properties": {
    "thought": {"type": "string", "minLength": 1},
    "thoughtNumber": {"type": "integer", "minimum": 1},
    "totalThoughts": {"type": "integer", "minimum": 1},
    "nextThoughtNeeded": {"type": "boolean"},
    "branchId": {"type": "string"},
    "loopId": {"type": "string"},
    "isRevision": {"type": "boolean"},
    "revisesThought": {"type": "integer", "minimum": 1},
    "branchFromThought": {"type": "integer", "minimum": 1},
    "needsMoreThoughts": {"type": "boolean"}
  }
}`

var compiledThoughtSchema = jsonschema.MustCompileString("thought.schema.json", thoughtSchema)

type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

func auditTool() toolInfo {
	return toolInfo{
		Name:        toolName,
		Description: toolDescription,
		InputSchema: json.RawMessage(thoughtSchema),
	}
}

// decodeThought validates raw tool arguments against the schema, then
// decodes them. Schema failures become validation diagnostics so the agent
// sees which field was wrong.
func decodeThought(raw json.RawMessage) (*handler.Thought, *diag.Diagnostic) {
	if len(raw) == 0 {
		return nil, diag.New(diag.CategoryValidation, "tool arguments are required")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, diag.Newf(diag.CategoryValidation, "tool arguments are not valid JSON: %v", err)
	}
	if err := compiledThoughtSchema.Validate(doc); err != nil {
		return nil, diag.Newf(diag.CategoryValidation, "tool arguments do not match the thought schema: %v", err)
	}
	var t handler.Thought
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, diag.Newf(diag.CategoryValidation, "decode thought: %v", err)
	}
	return &t, nil
}
