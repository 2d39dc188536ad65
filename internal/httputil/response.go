// Package httputil holds the JSON response helpers shared by the HTTP
// handlers.
package httputil

import (
	"net/http"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// WriteJSON encodes data and writes it with the given status. An encoding
// failure is reported as a 500 instead.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	b, err := sonic.Marshal(data)
	if err != nil {
		zap.L().Warn("failed to encode json response", zap.Error(err))
		WriteJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(b, '\n')); err != nil {
		zap.L().Debug("response write failed", zap.Error(err))
	}
}

// WriteJSONError writes {"error": msg} with the given status.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	b, _ := sonic.Marshal(map[string]string{"error": msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

func WriteJSONOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}

func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}
