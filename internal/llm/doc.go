// Package llm contains the completion provider contract used by the agent.
// Providers return advisory text only; structured gateway results stay
// authoritative.
package llm
