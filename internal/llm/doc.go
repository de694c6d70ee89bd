// Package llm contains adapters for invoking large language models. Agents
// treat the model as an opaque prompt-in, text-out collaborator.
package llm
