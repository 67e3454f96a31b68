// Package llm contains the wire types and invocation logic for calling
// remote language models. It normalizes request/response lifecycles,
// validates payloads on both sides of the wire, and wraps every outbound
// call with rate limiting, per-attempt deadlines, and linear-backoff retry.
package llm
