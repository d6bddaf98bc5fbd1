package model

// ExternalTask is handed to polling workers by topic. Workers complete or
// fail it through the engine API; Retries bounds the failure budget.
type ExternalTask struct {
	BaseActivity
	Topic   string `json:"topic"`
	Retries int32  `json:"retries,omitempty"`
	// Timeout is an ISO-8601 duration after which a running task is failed
	// by the timeout sweep. Empty means no timeout.
	Timeout string `json:"timeout,omitempty"`
}

func (t ExternalTask) GetType() ActivityType {
	return ActivityTypeExternalTask
}

// ReceiveTask waits for a message with the referenced name to be correlated.
type ReceiveTask struct {
	BaseActivity
	MessageRef string `json:"messageRef"`
}

func (t ReceiveTask) GetType() ActivityType {
	return ActivityTypeReceiveTask
}

// SendTask is delegated to an external worker like an external task,
// conventionally one that emits a message to another system.
type SendTask struct {
	BaseActivity
	Topic   string `json:"topic"`
	Retries int32  `json:"retries,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

func (t SendTask) GetType() ActivityType {
	return ActivityTypeSendTask
}
