package otel

const (
	Prefix                        = "proc-"
	AttributeProcessKey           = Prefix + "process-key"
	AttributeProcessDefinitionId  = Prefix + "definition-id"
	AttributeProcessDefinitionKey = Prefix + "definition-key"
	AttributeActivityId           = Prefix + "activity-id"
	AttributeActivityKey          = Prefix + "activity-key"
	AttributeActivityType         = Prefix + "activity-type"
	AttributeIncidentKey          = Prefix + "incident-key"
	AttributeMessageName          = Prefix + "message-name"
	AttributeSignalCode           = Prefix + "signal-code"
)
