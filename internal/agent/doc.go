// Package agent contains the core orchestrator responsible for driving the
// reasoning, planning and execution modules as a strict pipeline. It manages
// the shared task context, enforces the overall processing deadline, and
// guarantees consistent lifecycle across all modules.
package agent
