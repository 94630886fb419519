package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared across spans, metrics, and logs.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")

	AttrToolID     = attribute.Key("tool.id")
	AttrToolMethod = attribute.Key("tool.method")
	AttrToolPath   = attribute.Key("tool.path")
	AttrToolStatus = attribute.Key("tool.status")

	AttrRunID     = attribute.Key("run.id")
	AttrRunStatus = attribute.Key("run.status")
)
