package api

import (
	"encoding/json"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"

	"road-service/internal/log"
)

// respond writes data as JSON, or as MessagePack when the request asks for format=msgpack.
// MessagePack uses the json tags so both encodings carry the same field names.
func respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	var err error
	if r.URL.Query().Get("format") == "msgpack" {
		w.Header().Set("Content-Type", "application/x-msgpack")
		w.WriteHeader(status)
		enc := msgpack.NewEncoder(w)
		enc.SetCustomStructTag("json")
		err = enc.Encode(data)
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		err = json.NewEncoder(w).Encode(data)
	}
	if err != nil {
		log.Warnw("failed to write response", "path", r.URL.Path, "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	respond(w, r, status, errorResponse{Error: err.Error()})
}
