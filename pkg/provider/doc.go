// Package provider defines the contract between the conversation engine and
// an LLM completion endpoint. Adapters (e.g., openaicompat) handle their own
// wire protocol internally and speak the engine's types: Request, Response,
// and the Event union delivered while streaming.
package provider
