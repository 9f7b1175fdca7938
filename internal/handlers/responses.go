package handlers

import "net/http"

// Response is the body of command replies and errors.
type Response struct {
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// StateResponse mirrors what the controls of a chat screen show.
type StateResponse struct {
	Connected     bool     `json:"connected"`
	CanConnect    bool     `json:"canConnect"`
	CanDisconnect bool     `json:"canDisconnect"`
	Messages      []string `json:"messages"`
	Input         string   `json:"input"`
}

func SuccessResponse() Response {
	return Response{
		Message:    "OK",
		StatusCode: http.StatusOK,
	}
}

func ErrorResponse(message string, statusCode int) Response {
	return Response{
		Message:    message,
		StatusCode: statusCode,
	}
}
