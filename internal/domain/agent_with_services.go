package domain

// AgentWithServices pairs an Agent with its current Service roster, the
// shape ListUserAgents returns (spec.md §4.2).
type AgentWithServices struct {
	Agent    Agent
	Services []Service
}
