// Package agent contains the orchestrator that turns a free-text query into
// either one paid gateway call or a free balance/history lookup. Intent
// detection is a replaceable Router strategy; an optional completion provider
// only phrases replies for queries no route matches. Session state is passed
// in and returned explicitly so the agent itself holds none.
package agent
