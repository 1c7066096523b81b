package client

import "fmt"

// Status mirrors GET {base}/status.
type Status struct {
	Output   string `json:"output"`
	Encoding string `json:"encoding"`
	Table    string `json:"table,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for any non-200 answer from the admin API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
