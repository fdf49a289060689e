package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	pkgerrors "github.com/restockd/restockd-backend/pkg/errors"
	"github.com/restockd/restockd-backend/pkg/logger"
)

const (
	replyAccept = "accept"
	replyReject = "reject"
)

type vendorReplyPayload struct {
	RoutingID uuid.UUID `json:"routingId"`
	VendorID  uuid.UUID `json:"vendorId"`
	Response  string    `json:"response"`
}

type replyHandler interface {
	HandleVendorAccept(ctx context.Context, routingID, vendorID uuid.UUID) (*AcceptOutcome, error)
	HandleVendorReject(ctx context.Context, routingID, vendorID uuid.UUID) error
}

// Consumer drains the vendor reply subscription and applies each accept or
// reject through the orchestrator. Replies are safe to redeliver; the
// guarded updates underneath make reprocessing a no-op.
type Consumer struct {
	service      replyHandler
	subscription *pubsub.Subscriber
	logg         *logger.Logger
}

// NewConsumer builds a vendor reply consumer.
func NewConsumer(service replyHandler, subscription *pubsub.Subscriber, logg *logger.Logger) (*Consumer, error) {
	if service == nil {
		return nil, fmt.Errorf("fulfillment service required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("vendor reply subscription required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		service:      service,
		subscription: subscription,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// process reports whether the message should be acked. Malformed replies
// and settled rounds ack; only infrastructure failures redeliver.
func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) bool {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
	})

	var payload vendorReplyPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.logg.Error(logCtx, "failed to decode vendor reply", err)
		return true
	}
	if payload.RoutingID == uuid.Nil || payload.VendorID == uuid.Nil {
		c.logg.Warn(logCtx, "vendor reply missing routing or vendor id")
		return true
	}

	logCtx = c.logg.WithRoutingID(logCtx, payload.RoutingID.String())
	logCtx = c.logg.WithVendorID(logCtx, payload.VendorID.String())

	switch payload.Response {
	case replyAccept:
		return c.handleAccept(logCtx, payload)
	case replyReject:
		return c.handleReject(logCtx, payload)
	default:
		c.logg.Warn(c.logg.WithField(logCtx, "response", payload.Response), "unknown vendor reply type")
		return true
	}
}

func (c *Consumer) handleAccept(ctx context.Context, payload vendorReplyPayload) bool {
	outcome, err := c.service.HandleVendorAccept(ctx, payload.RoutingID, payload.VendorID)
	if err != nil {
		return c.settleError(ctx, "vendor accept failed", err)
	}
	c.logg.Info(c.logg.WithField(ctx, "outcome", outcome.Outcome), "vendor accept processed")
	return true
}

func (c *Consumer) handleReject(ctx context.Context, payload vendorReplyPayload) bool {
	if err := c.service.HandleVendorReject(ctx, payload.RoutingID, payload.VendorID); err != nil {
		return c.settleError(ctx, "vendor reject failed", err)
	}
	c.logg.Info(ctx, "vendor reject processed")
	return true
}

func (c *Consumer) settleError(ctx context.Context, msg string, err error) bool {
	domainErr := pkgerrors.As(err)
	if domainErr == nil || domainErr.Code() == pkgerrors.CodeInternal || domainErr.Code() == pkgerrors.CodeDependency {
		c.logg.Error(ctx, msg, err)
		return false
	}
	// Settled outcomes stay settled no matter how often the reply arrives.
	c.logg.Warn(c.logg.WithField(ctx, "code", string(domainErr.Code())), msg)
	return true
}
