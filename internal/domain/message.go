package domain

import (
	"encoding/json"
	"fmt"
)

// TaskMessage is the record published to a queue for a dispatched task.
type TaskMessage struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// Encode serialises the message for the wire.
func (m TaskMessage) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task message %s: %w", m.TaskID, err)
	}
	return body, nil
}

// DecodeTaskMessage parses a queue body. Any failure wraps ErrMalformedMessage.
func DecodeTaskMessage(body []byte) (TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return TaskMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.TaskID == "" {
		return TaskMessage{}, fmt.Errorf("%w: missing task_id", ErrMalformedMessage)
	}
	return m, nil
}
