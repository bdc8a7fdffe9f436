package server

import (
	"encoding/json"
	"net/http"
)

type responseMessage struct {
	Message string `json:"message"`
}

type errorMessage struct {
	Error string `json:"error"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(responseMessage{
		Message: msg,
	})

	httpResponseJSONByte(w, v, code)
}

// httpError writes a discriminated {"error": msg} payload, the failure
// shape every control-surface endpoint uses so a caller can tell a
// not-found or invalid-request response apart from a success payload
// without inspecting the status line.
func httpError(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(errorMessage{
		Error: msg,
	})

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(code)
	w.Write(msg)
}
