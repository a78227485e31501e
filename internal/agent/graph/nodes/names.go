package nodes

// Graph node keys. They double as stage labels in callbacks and metrics.
const (
	NodeSecurityGate = "security_gate"
	NodeBlocked      = "blocked"
	NodeExtract      = "entity_extractor"
	NodeClarify      = "clarify"
	NodeSelect       = "model_selector"
	NodeResolve      = "field_resolver"
	NodeCompose      = "query_composer"
	NodeExecute      = "executor"
	NodeRespond      = "responder"
)
