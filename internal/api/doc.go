// Package api exposes the REST surface of the agent daemon: asynchronous
// task submission and inspection, synchronous pipeline processing, shared
// context management, and run history retrieval.
package api
