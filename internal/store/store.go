package store

import (
	"context"

	"github.com/digital-land/async-request-backend/internal/model"
)

// Store defines the persistence interface for requests and responses.
//
// Responses are insert-only and guarded: at most one response row exists
// per request id, so re-delivered messages recompute into a no-op.
type Store interface {
	// Requests. GetRequest and GetResponse return (nil, nil) when no row
	// exists.
	CreateRequest(ctx context.Context, req *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	UpdateRequestStatus(ctx context.Context, id string, status model.RequestStatus) error

	// Responses
	ResponseExists(ctx context.Context, requestID string) (bool, error)
	CreateResponse(ctx context.Context, resp *model.Response) (int64, error)
	CreateResponseDetails(ctx context.Context, responseID int64, details []model.ResponseDetail) error
	GetResponse(ctx context.Context, requestID string) (*model.Response, error)
	CountResponseDetails(ctx context.Context, responseID int64) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
