package api

import (
	"encoding/json"
	"errors"
	"net/http"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Fix   string `json:"fix,omitempty"`
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// JSONResponseStatus writes a JSON response with a specific status code.
func JSONResponseStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError writes a plain error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message})
}

// HandleError maps operational errors to their HTTP status; anything
// else is a 500.
func HandleError(w http.ResponseWriter, err error) {
	var ge *gateerrors.GateError
	if errors.As(err, &ge) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ge.HTTPStatus())
		_ = json.NewEncoder(w).Encode(APIError{
			Error: ge.What,
			Code:  string(ge.Code),
			Fix:   ge.Fix,
		})
		return
	}
	JSONError(w, err.Error(), http.StatusInternalServerError)
}
