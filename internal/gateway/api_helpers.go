package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/relayerr"
)

// --- HTTP response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorBody is the JSON shape of every relay error response.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// writeRelayError maps a relay error to its status code and JSON body.
func writeRelayError(w http.ResponseWriter, err error) {
	body := errorBody{Error: relayerr.Message(err)}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		body.Code = rich.TextCode
		if len(rich.Metadata) > 0 {
			body.Details = rich.Metadata
		}
	}
	writeJSON(w, relayerr.HTTPStatus(err), body)
}

// queryInt reads a positive integer query parameter, falling back to def and
// clamping to max when max > 0.
func queryInt(r *http.Request, name string, def, max int) int {
	n := def
	if v := strings.TrimSpace(r.URL.Query().Get(name)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}
