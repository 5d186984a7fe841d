package model

import "context"

// The interfaces below name the external collaborators' contracts (§6.4 of
// the specification). None is implemented in this repository: the LLM
// provider, QC analyzer, assembler and exporter are workers' business, not
// the core's. They exist here so worker-side test doubles and the
// dispatcher's task payload types have a shared vocabulary to compile
// against; production implementations live in separate services.

// LLMFailureKind enumerates the collaborator-reported failure modes for the
// LLM provider, distinct from the core's own workflowerr taxonomy because
// they originate outside the core and are translated at the worker boundary.
type LLMFailureKind string

const (
	LLMFailureRateLimit     LLMFailureKind = "rate_limit"
	LLMFailureAuth          LLMFailureKind = "auth"
	LLMFailureContentFilter LLMFailureKind = "content_filter"
	LLMFailureTimeout       LLMFailureKind = "timeout"
	LLMFailureAPIError      LLMFailureKind = "api_error"
)

// LLMProvider is satisfied by a worker's LLM adapter, never by the core.
type LLMProvider interface {
	Complete(ctx context.Context, model, prompt string, params map[string]any) (text string, err error)
}

// QCAnalyzer is satisfied by a worker's quality-check adapter.
type QCAnalyzer interface {
	Analyze(ctx context.Context, content string, blockType BlockType, level, style string, context []string) (QCReport, error)
}

// Assembler is satisfied by a worker's document-assembly adapter.
type Assembler interface {
	Assemble(ctx context.Context, versionID string) (artifactRef string, err error)
}

// Exporter is satisfied by a worker's format-export adapter.
type Exporter interface {
	Export(ctx context.Context, artifactRef string, formats []string) (fileRefs []string, err error)
}
