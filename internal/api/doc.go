// Package api exposes the agent and the paid service gateway over HTTP: free
// text queries, direct service calls, the service catalog, transaction history
// and wallet balance, plus health and Prometheus endpoints.
package api
