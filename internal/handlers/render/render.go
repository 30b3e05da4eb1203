package render

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/nkiryanov/amoauth/internal/apperrors"
)

const (
	ValidationErrorType = "validation_failed"
	ServiceErrorType    = "service_error"
)

type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	jsonWithStatus(w, data, http.StatusOK)
}

// Render ServiceError
func ServiceError(w http.ResponseWriter, error string, code int) {
	response := ErrorResponse{
		Error:   ServiceErrorType,
		Message: error,
	}

	jsonWithStatus(w, response, code)
}

// Render ValidationError as 400 with user-friendly message per field
func ValidationError(w http.ResponseWriter, err *apperrors.ValidationError) {
	response := ErrorResponse{
		Error:   ValidationErrorType,
		Message: "Request validation failed",
		Fields:  make(map[string]string, len(err.Fields)),
	}

	for field, rule := range err.Fields {
		var message string
		switch rule {
		case "required":
			message = "This field is required"
		case "type":
			message = "Invalid data type"
		default:
			message = "Invalid value"
		}

		response.Fields[field] = message
	}

	jsonWithStatus(w, response, http.StatusBadRequest)
}

// renderJSONWithStatus sends data as json and enforces status code
func jsonWithStatus(w http.ResponseWriter, data any, code int) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)

	if err := enc.Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}
