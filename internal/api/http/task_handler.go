// internal/api/http/task_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"taskmaster/internal/domain"
	"taskmaster/internal/metrics"
	"taskmaster/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tasksPath = "/api/tasks"

// TaskHandler serves the task API.
type TaskHandler struct {
	service  *usecase.TaskService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewTaskHandler creates a TaskHandler with its request validator.
func NewTaskHandler(service *usecase.TaskService, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		service:  service,
		logger:   logger.With("component", "task-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("taskmaster-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the task routes and the root health route.
func (h *TaskHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(tasksPath, h.instrument(tasksPath, http.HandlerFunc(h.handleTasks)))
	mux.Handle(tasksPath+"/", h.instrument(tasksPath+"/{id}", http.HandlerFunc(h.handleTasks)))
	mux.Handle("/", h.instrument("/", http.HandlerFunc(h.handleRoot)))
}

// instrument wraps next with a server span and the request counter. route
// is the low-cardinality label used for both.
func (h *TaskHandler) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+route, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleTasks dispatches /api/tasks and /api/tasks/{id}.
func (h *TaskHandler) handleTasks(w http.ResponseWriter, r *http.Request) {
	// e.g. /api/tasks/abc -> ["api", "tasks", "abc"]
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 2 || len(pathParts) > 3 {
		http.NotFound(w, r)
		return
	}

	var taskID string
	if len(pathParts) == 3 {
		taskID = pathParts[2]
	}

	switch {
	case r.Method == http.MethodGet && taskID != "":
		h.handleGetTask(w, r, taskID)
	case r.Method == http.MethodGet:
		h.handleListTasks(w, r)
	case r.Method == http.MethodPost && taskID == "":
		h.handleCreateTask(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *TaskHandler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "TaskMaster API is running"})
}

func (h *TaskHandler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CreateTask")
	defer span.End()

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: []string{err.Error()}})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var validationErrors []string
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			for _, fe := range fieldErrors {
				validationErrors = append(validationErrors,
					"Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.",
				)
			}
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: validationErrors})
		return
	}

	id, err := h.service.CreateTask(ctx, req.Message, req.Dependencies, req.RequiresOrdering)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to create task in service")
		span.RecordError(err)
		if errors.Is(err, domain.ErrUnknownDependency) {
			h.logger.Warn("rejected task with unknown dependency", "error", err)
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.Error("error creating task", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
		return
	}
	span.SetAttributes(attribute.String("task.id", id))

	writeJSON(w, http.StatusAccepted, CreateTaskResponse{ID: id})
}

func (h *TaskHandler) handleGetTask(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	task, err := h.service.GetTask(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to get task from service")
		span.RecordError(err)
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Task not found"})
		} else {
			h.logger.Error("error getting task", "task_id", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// handleListTasks streams every task as newline-delimited JSON.
func (h *TaskHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListTasks")
	defer span.End()

	tasks := h.service.ListTasks(ctx)
	span.SetAttributes(attribute.Int("tasks.count", len(tasks)))

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, task := range tasks {
		if err := enc.Encode(task); err != nil {
			span.RecordError(err)
			h.logger.Warn("failed to write task list", "error", err)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
