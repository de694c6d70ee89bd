// Package agent contains the paying agent: an LLM-backed worker that owns a
// wallet handle, a payment processor, a tool registry and a mailbox, and
// settles HTTP 402 challenges while calling metered tools.
package agent
