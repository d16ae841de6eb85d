package http

import (
	"time"

	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

// GenerateRequest is the request body for POST /api/v1/generate.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	// ReferenceImage is base64 encoded, optionally as a data URL.
	ReferenceImage   string `json:"reference_image,omitempty"`
	MaxIterations    int    `json:"max_iterations,omitempty"`
	EnableMonitoring *bool  `json:"enable_monitoring,omitempty"`
}

// GenerateResponse is the response body for POST /api/v1/generate.
type GenerateResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatusResponse is the response body for GET /api/v1/status/:task_id.
// The image is base64 encoded.
type StatusResponse = workflow.Snapshot

// FeedbackRequest is the request body for POST /api/v1/feedback.
type FeedbackRequest struct {
	TaskID  string   `json:"task_id"`
	Rating  *float64 `json:"rating"`
	Comment string   `json:"comment,omitempty"`
}

// ApproveRequest is the request body for POST /api/v1/task/:task_id/approve.
type ApproveRequest struct {
	Approved *bool `json:"approved"`
}

// MessageResponse acknowledges a command.
type MessageResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// HealthResponse is the response body for GET /api/v1/health.
type HealthResponse struct {
	Status      string      `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
	ActiveTasks int         `json:"active_tasks"`
	Counts      TaskCounts  `json:"counts"`
	Telemetry   *HealthInfo `json:"telemetry,omitempty"`
}

// HealthInfo reports a dependency's health.
type HealthInfo struct {
	Healthy  bool   `json:"healthy"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

// InfoResponse is the response body for GET /.
type InfoResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// StreamError is sent on the stream before closing when the task vanishes.
type StreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
