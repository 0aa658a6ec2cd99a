package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/relais/outbox"
	"github.com/hazyhaar/relais/shield"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := a.pipe.Status(r.Context())
	if err != nil {
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	status["status"] = "ok"
	status["version"] = a.version
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := a.pipe.Pending(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Error("list pending failed", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (a *API) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.pipe.PendingCount(r.Context())
	if err != nil {
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		jsonErr(w, "key is required", http.StatusBadRequest)
		return
	}
	if err := a.pipe.Cancel(r.Context(), key); err != nil {
		shield.GetLogger(r.Context()).Error("cancel failed", "key", key, "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleFlush(w http.ResponseWriter, r *http.Request) {
	report, err := a.pipe.Flush(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Error("flush failed", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Path   string          `json:"path"`
		Body   json.RawMessage `json:"body,omitempty"`
		Key    string          `json:"idempotency_key,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	req.Path = strings.TrimSpace(req.Path)

	m, err := a.pipe.Enqueue(r.Context(), req.Method, req.Path, req.Body, req.Key)
	if err != nil {
		var storage *outbox.StorageError
		if errors.As(err, &storage) {
			shield.GetLogger(r.Context()).Error("enqueue failed", "error", err)
			jsonErr(w, "internal error", http.StatusInternalServerError)
			return
		}
		jsonErr(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	entries, err := a.pipe.Journal(r.Context(), limit, offset)
	if err != nil {
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a.pipe.SetOnline(req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": req.Online})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
