// Package coordinator drives the request lifecycle state machine. One
// handler invocation takes a broker message from NEW through PROCESSING
// to a terminal state, persisting the response before the message is
// acknowledged.
package coordinator

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/model"
	"github.com/digital-land/async-request-backend/internal/store"
	"github.com/digital-land/async-request-backend/internal/workflow"
)

// Coordinator consumes request messages and runs them to completion.
type Coordinator struct {
	store store.Store
	wf    *workflow.Workflow
	log   *zap.Logger
}

// New builds a coordinator.
func New(st store.Store, wf *workflow.Workflow) *Coordinator {
	return &Coordinator{
		store: st,
		wf:    wf,
		log:   zap.L().With(zap.String("component", "coordinator")),
	}
}

// Handle processes one broker message. A nil return acknowledges the
// message; an error leaves it invisible until the visibility timeout
// expires and it is redelivered. The terminal status and the response
// are durable before nil is returned, so redelivery after a crash
// recomputes into a no-op.
func (c *Coordinator) Handle(ctx context.Context, body []byte) error {
	req, err := c.decode(ctx, body)
	if err != nil {
		// Malformed beyond recovery; redelivery cannot fix the payload.
		c.log.Error("dropping undecodable message", zap.Error(err))
		return nil
	}
	if req == nil {
		return nil
	}
	log := c.log.With(zap.String("request_id", req.ID), zap.String("type", string(req.Type)))

	// Re-read the durable row; the message copy may be stale.
	stored, err := c.store.GetRequest(ctx, req.ID)
	if err != nil {
		return eris.Wrapf(err, "coordinator: load request %s", req.ID)
	}
	if stored != nil {
		if stored.Status.Terminal() {
			log.Info("request already terminal, acknowledging", zap.String("status", string(stored.Status)))
			return nil
		}
		req = stored
	} else {
		log.Warn("request missing from store, creating from message")
		if err := c.store.CreateRequest(ctx, req); err != nil {
			return eris.Wrapf(err, "coordinator: create request %s", req.ID)
		}
	}

	if err := c.store.UpdateRequestStatus(ctx, req.ID, model.RequestStatusProcessing); err != nil {
		return eris.Wrapf(err, "coordinator: mark %s processing", req.ID)
	}
	log.Info("processing request")

	result, err := c.wf.Execute(ctx, req)
	if err != nil {
		log.Error("workflow failed", zap.Error(err))
		result = &workflow.Result{Response: &model.Response{
			RequestID: req.ID,
			Error:     model.NewErrorEnvelope(model.ErrTypeSystem, "500", err.Error()),
			Plugin:    string(req.FetchPlugin()),
		}}
	}

	if err := c.wf.Persist(ctx, result); err != nil {
		return eris.Wrapf(err, "coordinator: persist response for %s", req.ID)
	}

	status := model.RequestStatusComplete
	if result.Response.Error != nil {
		status = model.RequestStatusFailed
	}
	if err := c.store.UpdateRequestStatus(ctx, req.ID, status); err != nil {
		return eris.Wrapf(err, "coordinator: mark %s %s", req.ID, status)
	}
	log.Info("request finished", zap.String("status", string(status)))

	return nil
}

// decode parses the message body. A payload whose envelope parses but
// whose params are invalid is a user error: the request is failed with
// an error record and nil is returned so the message is acknowledged.
func (c *Coordinator) decode(ctx context.Context, body []byte) (*model.Request, error) {
	var req model.Request
	if err := json.Unmarshal(body, &req); err == nil {
		return &req, nil
	}

	// Retry the envelope alone to salvage the request id.
	var envelope struct {
		ID string `json:"id"`
	}
	if envErr := json.Unmarshal(body, &envelope); envErr != nil || envelope.ID == "" {
		return nil, eris.New("coordinator: unparseable message body")
	}

	// Params were the problem. Fail the request durably and ack.
	err := json.Unmarshal(body, &req)
	c.log.Info("rejecting request with invalid params",
		zap.String("request_id", envelope.ID), zap.Error(err))

	// The lifecycle is always NEW, PROCESSING, then a terminal state,
	// even when processing amounts to recording the rejection.
	if serr := c.store.UpdateRequestStatus(ctx, envelope.ID, model.RequestStatusProcessing); serr != nil {
		return nil, serr
	}
	fail := &workflow.Result{Response: &model.Response{
		RequestID: envelope.ID,
		Error:     model.NewErrorEnvelope(model.ErrTypeUser, "400", err.Error()),
	}}
	if perr := c.wf.Persist(ctx, fail); perr != nil {
		return nil, perr
	}
	if serr := c.store.UpdateRequestStatus(ctx, envelope.ID, model.RequestStatusFailed); serr != nil {
		return nil, serr
	}
	return nil, nil
}
