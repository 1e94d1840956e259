package coordinator

import (
	"context"

	"github.com/pkg/errors"

	"classroom-sfu/server/internal/protocol"
	"classroom-sfu/server/internal/sfu"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrNotJoined    = errors.New("not joined to a room")
	ErrRateLimited  = errors.New("rate limited")
)

// errorPayload maps an error onto the wire error taxonomy.
func errorPayload(err error) *protocol.ErrorPayload {
	p := &protocol.ErrorPayload{Message: err.Error()}
	switch {
	case errors.Is(err, ErrUnauthorized):
		p.Code = protocol.CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		p.Code = protocol.CodeForbidden
	case errors.Is(err, ErrBadRequest):
		p.Code = protocol.CodeBadRequest
	case errors.Is(err, ErrRateLimited):
		p.Code = protocol.CodeRateLimited
		p.Retryable = true
	case errors.Is(err, ErrNotJoined), errors.Is(err, sfu.ErrInvalidState):
		p.Code = protocol.CodeInvalidState
	case errors.Is(err, sfu.ErrNotFound):
		p.Code = protocol.CodeNotFound
	case errors.Is(err, sfu.ErrUnsupported):
		p.Code = protocol.CodeUnsupported
	case errors.Is(err, sfu.ErrResourceExhausted):
		p.Code = protocol.CodeClassUnavailable
		p.Message = "class unavailable"
	case errors.Is(err, sfu.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		p.Code = protocol.CodeTimeout
		p.Retryable = true
	default:
		p.Code = protocol.CodeInternal
		p.Message = "connection failed, retrying"
		p.Retryable = true
	}
	return p
}
