package http

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	Message          string   `json:"message" validate:"required,max=65536"`
	Dependencies     []string `json:"dependencies" validate:"omitempty,dive,required"`
	RequiresOrdering bool     `json:"requires_ordering"`
}

// CreateTaskResponse carries the id assigned to a new task.
type CreateTaskResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is the body of every 4xx/5xx JSON reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
