// Package llm is the model-inference gateway: one request/response contract
// over OpenRouter, OpenAI, Ollama, and Gemini.
//
// # Contract
//
// A Request carries role-tagged messages whose parts are text, images, or
// files, plus an optional JSON schema the reply must satisfy. A Response
// carries choices and optional token usage. Provider is the interface every
// backend implements; New picks one from configuration with a switch.
//
// # Backends
//
// Client speaks the OpenAI-compatible chat completions protocol used by
// OpenRouter and OpenAI. Images travel as base64 data URLs and schemas as a
// strict json_schema response format. Ollama wraps the
// github.com/agent-api/ollama chat client in JSON mode with the schema in the
// system prompt. Gemini wraps the google.golang.org/genai SDK.
//
// # Retry Behaviour
//
// Client retries on HTTP 408/429/5xx, network timeouts, and empty content
// with exponential backoff (base 1s, max 10s, up to 5 attempts by default),
// honouring Retry-After. Context cancellation aborts retries immediately.
//
// # Structured Output
//
// CompleteJSON strips code fences, validates the payload against the request
// schema with github.com/google/jsonschema-go, and decodes it into the target.
package llm
