package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"packforge/internal/logging"
	"packforge/internal/pipeline"
	"packforge/internal/types"
)

// Router resolves decoded requests against the pipeline. It is stateless
// and safe for concurrent use; per-session ordering is the session
// table's job, not the router's.
type Router struct {
	pipeline *pipeline.Pipeline
	version  string
}

// NewRouter wires a router over the pipeline.
func NewRouter(p *pipeline.Pipeline, version string) *Router {
	return &Router{pipeline: p, version: version}
}

// Dispatch runs one operation on behalf of userID and always returns a
// response carrying the request's id. Panics in handlers surface as
// internal errors rather than killing the session worker.
func (r *Router) Dispatch(ctx context.Context, userID string, req *Request) (resp *Response) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.API("panic in %s: %v", req.Op, rec)
			resp = errorResponse(req.ID, fmt.Errorf("internal error"))
		}
	}()

	result, err := r.handle(ctx, userID, req)
	if err != nil {
		logging.API("op=%s user=%s id=%s error: %v", req.Op, userID, req.ID, err)
		return errorResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Result: result}
}

func (r *Router) handle(ctx context.Context, userID string, req *Request) (interface{}, error) {
	switch req.Op {
	case OpStartJob:
		var params StartJobParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return r.pipeline.StartJob(ctx, userID, types.JobType(params.Type), params.File, params.Export)

	case OpGetJobStatus:
		jobID, err := jobID(req.Params)
		if err != nil {
			return nil, err
		}
		return r.pipeline.Status(ctx, userID, jobID)

	case OpConfirmAnalysis:
		jobID, err := jobID(req.Params)
		if err != nil {
			return nil, err
		}
		return r.pipeline.ConfirmAnalysis(ctx, userID, jobID)

	case OpGetPack:
		jobID, err := jobID(req.Params)
		if err != nil {
			return nil, err
		}
		pack, doc, err := r.pipeline.PackFor(ctx, userID, jobID)
		if err != nil {
			return nil, err
		}
		return &PackResult{Pack: pack, Document: doc}, nil

	case OpCancelJob:
		jobID, err := jobID(req.Params)
		if err != nil {
			return nil, err
		}
		return r.pipeline.CancelJob(ctx, userID, jobID)

	case OpListJobs:
		return r.pipeline.List(ctx, userID)

	case OpGetBalance:
		return r.pipeline.Balance(ctx, userID)

	case OpPing:
		return &PingResult{Pong: true, Version: r.version}, nil

	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownOperation, req.Op)
	}
}

func decodeParams(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return types.Validationf("params required")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return types.Validationf("malformed params: %v", err)
	}
	return nil
}

func jobID(raw json.RawMessage) (string, error) {
	var params JobIDParams
	if err := decodeParams(raw, &params); err != nil {
		return "", err
	}
	if params.JobID == "" {
		return "", types.Validationf("job_id required")
	}
	return params.JobID, nil
}
