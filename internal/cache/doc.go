// Package cache provides the response cache for LLM calls: an in-memory
// store with per-key mutual exclusion mirrored synchronously to a durable
// backend (filesystem or Redis), plus the policy layer deciding what is
// worth caching based on provider pricing tables.
package cache
