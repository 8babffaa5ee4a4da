package realtime

import "encoding/json"

// Server→client event names.
const (
	EventTaskCreated            = "TASK_CREATED"
	EventTaskUpdated            = "TASK_UPDATED"
	EventTaskDeleted            = "TASK_DELETED"
	EventAssignmentNotification = "ASSIGNMENT_NOTIFICATION"
)

// Assignment notification sub-types.
const (
	AssignmentNew         = "NEW_ASSIGNMENT"
	AssignmentRemoved     = "UNASSIGNED"
	AssignmentTaskDeleted = "TASK_DELETED"
)

// Client→server event names.
const (
	EventSubscribeTask   = "SUBSCRIBE_TASK"
	EventUnsubscribeTask = "UNSUBSCRIBE_TASK"
)

// Envelope is the wire frame for both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AssignmentNotification is the payload of ASSIGNMENT_NOTIFICATION.
type AssignmentNotification struct {
	Type    string `json:"type"`
	Task    any    `json:"task"`
	Message string `json:"message"`
}

type subscribePayload struct {
	TaskID string `json:"taskId"`
}

func encodeEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
