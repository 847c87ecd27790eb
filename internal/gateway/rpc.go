package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pulsehq/pulse/internal/cron"
)

// rpcRequest is the POST /rpc envelope.
type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleRPC dispatches cron.* methods. Params are decoded per method and
// validated at runtime; unknown fields are rejected to catch typos early.
func (g *Gateway) handleRPC() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// cron.run is awaited end-to-end and payload execution can outlive
		// the server-wide write timeout; lift the deadline for this request.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		var req rpcRequest
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&req); err != nil {
			writeRPCError(w, http.StatusBadRequest, fmt.Errorf("invalid request envelope: %w", err))
			return
		}

		result, err := g.dispatch(r, req)
		if err != nil {
			writeRPCError(w, rpcStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, rpcResponse{OK: true, Result: result})
	}
}

func (g *Gateway) dispatch(r *http.Request, req rpcRequest) (any, error) {
	switch req.Method {
	case "cron.status":
		return g.cron.Status(), nil

	case "cron.list":
		var params struct {
			IncludeDisabled bool `json:"includeDisabled"`
		}
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		jobs, err := g.cron.List(params.IncludeDisabled)
		if err != nil {
			return nil, err
		}
		return map[string]any{"jobs": jobs}, nil

	case "cron.add":
		var spec cron.Job
		if err := decodeParams(req.Params, &spec); err != nil {
			return nil, err
		}
		return g.cron.Add(&spec)

	case "cron.update":
		var params struct {
			ID    string     `json:"id"`
			Patch cron.Patch `json:"patch"`
		}
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return g.cron.Update(params.ID, params.Patch)

	case "cron.remove":
		id, err := decodeID(req.Params)
		if err != nil {
			return nil, err
		}
		if err := g.cron.Remove(id); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "cron.run":
		id, err := decodeID(req.Params)
		if err != nil {
			return nil, err
		}
		return g.cron.Run(r.Context(), id)

	case "cron.runs":
		id, err := decodeID(req.Params)
		if err != nil {
			return nil, err
		}
		runs, err := g.cron.Runs(r.Context(), id)
		if err != nil {
			return nil, err
		}
		if runs == nil {
			runs = []cron.RunRecord{}
		}
		return map[string]any{"runs": runs}, nil

	default:
		return nil, &rpcError{status: http.StatusNotFound, err: fmt.Errorf("unknown method %q", req.Method)}
	}
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &rpcError{status: http.StatusBadRequest, err: fmt.Errorf("invalid params: %w", err)}
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return "", err
	}
	if params.ID == "" {
		return "", &rpcError{status: http.StatusBadRequest, err: errors.New("missing job id")}
	}
	return params.ID, nil
}

// rpcError carries an HTTP status alongside the underlying error.
type rpcError struct {
	status int
	err    error
}

func (e *rpcError) Error() string { return e.err.Error() }
func (e *rpcError) Unwrap() error { return e.err }

func rpcStatus(err error) int {
	var re *rpcError
	if errors.As(err, &re) {
		return re.status
	}
	if errors.Is(err, cron.ErrNotFound) {
		return http.StatusNotFound
	}
	var invalid *cron.InvalidSpecError
	if errors.As(err, &invalid) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeRPCError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, rpcResponse{OK: false, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
