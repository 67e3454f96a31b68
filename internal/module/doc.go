// Package module contains the three cognitive modules of the pipeline:
// Reasoning for deep analysis, Planner for task breakdown and Executor
// for turning a plan into concrete actions. They share a common base
// that handles context snapshots, prompt caching and retry with
// exponential backoff on top of the call executor.
package module
