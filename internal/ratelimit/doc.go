// Package ratelimit implements per-model admission control for outbound LLM
// calls. It combines a rolling request-rate window with a concurrency permit
// pool so that a single misbehaving pipeline cannot exhaust provider quota.
package ratelimit
