// Package protocol implements the transport-agnostic operation layer: a
// small JSON envelope, a router that resolves operations against the
// pipeline, and session plumbing shared by the stdio and SSE bindings.
// Transports move bytes; everything in here works on structured
// requests and responses keyed by session id.
package protocol

import (
	"encoding/json"

	"packforge/internal/types"
)

// Op names one inbound operation. The set is closed: anything else is
// rejected with unknown_operation before touching any state.
type Op string

const (
	OpStartJob        Op = "startJob"
	OpGetJobStatus    Op = "getJobStatus"
	OpConfirmAnalysis Op = "confirmAnalysis"
	OpGetPack         Op = "getPack"
	OpCancelJob       Op = "cancelJob"
	OpListJobs        Op = "listJobs"
	OpGetBalance      Op = "getBalance"
	OpPing            Op = "ping"
)

// Request is the wire envelope for one operation call. IDs are chosen by
// the caller and echoed verbatim; the router never interprets them.
type Request struct {
	ID     string          `json:"id"`
	Op     Op              `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the wire envelope for one result. Exactly one of Result
// and Error is set.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *WireError  `json:"error,omitempty"`
}

// WireError carries the stable error kind plus a human-readable message.
type WireError struct {
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// StartJobParams starts a processing job over an inline export.
type StartJobParams struct {
	Type   string          `json:"type"`
	File   types.FileMeta  `json:"file"`
	Export json.RawMessage `json:"export"`
}

// JobIDParams addresses one job.
type JobIDParams struct {
	JobID string `json:"job_id"`
}

// PackResult is the getPack payload: the pack record plus its document.
type PackResult struct {
	Pack     *types.Pack     `json:"pack"`
	Document json.RawMessage `json:"document"`
}

// PingResult answers ping and doubles as the session liveness signal.
type PingResult struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version"`
}

func errorResponse(id string, err error) *Response {
	return &Response{
		ID: id,
		Error: &WireError{
			Kind:    types.KindOf(err),
			Message: err.Error(),
		},
	}
}
