// Package openrouter implements the llm.Client interface against the
// OpenRouter chat completions API, including the site attribution
// headers the gateway uses for rankings.
package openrouter
