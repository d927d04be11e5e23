package core

// GlobalServerPolicy is the process-wide exposure policy of one tool server,
// sourced from configuration and read-only for the engine.
type GlobalServerPolicy struct {
	Enabled              bool
	Exclude              NameSet
	Include              NameSet
	RequiresConfirmation NameSet
}

// ToolDescriptor describes one tool advertised by a server. Parameters is an
// opaque JSON schema that is forwarded to the model without interpretation.
type ToolDescriptor struct {
	Server      string         `json:"server"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
