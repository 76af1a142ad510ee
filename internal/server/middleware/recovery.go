package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/observability"
)

// Recovery converts handler panics into a 500 INTERNAL_ERROR envelope.
// The panic value and stack go to the server log only.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(recovered)
			}

			requestID := GetRequestID(r.Context())
			observability.MetricsCollector.RecordPanic()
			if observability.ServerLogger != nil {
				observability.ServerLogger.Error("Recovered panic in HTTP handler",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", requestID),
					zap.Any("panic", recovered),
					zap.ByteString("stack", debug.Stack()))
			}

			envelope := gferrors.NewErrorEnvelope("INTERNAL_ERROR", "internal server error").
				WithCorrelationID(requestID)
			writePanicResponse(w, envelope)
		}()

		next.ServeHTTP(w, r)
	})
}

// panicResponse mirrors the error body written by internal/errors, which this
// package cannot import.
type panicResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writePanicResponse(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope) {
	var body panicResponse
	body.Error.Code = envelope.Code
	body.Error.Message = envelope.Message
	body.Error.RequestID = envelope.CorrelationID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(body)
}
