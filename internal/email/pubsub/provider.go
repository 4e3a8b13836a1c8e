// Package pubsub hands email off to a relay through a Google Cloud Pub/Sub
// topic. The relay owns the final SMTP or API delivery.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/policy-watch/internal/email"
)

// Message attributes set on every publish.
const (
	AttrKind      = "kind"
	AttrRequestID = "request_id"
	kindEmail     = "email"
)

// Payload is the JSON body published for the relay.
type Payload struct {
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	HTML      string `json:"html,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Provider implements email.Provider on a Pub/Sub topic.
type Provider struct {
	topic *pubsub.Topic
}

// New creates a Provider publishing to topic.
func New(topic *pubsub.Topic) *Provider {
	return &Provider{topic: topic}
}

// NewFromClient resolves topicID on client.
func NewFromClient(client *pubsub.Client, topicID string) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is not configured")
	}
	if topicID == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return New(client.Topic(topicID)), nil
}

// Name implements email.Provider.
func (p *Provider) Name() string { return "pubsub" }

// Send publishes the message and returns the Pub/Sub server id.
func (p *Provider) Send(ctx context.Context, msg email.Message) (string, error) {
	if p.topic == nil {
		return "", &email.ProviderError{Provider: p.Name(), StatusCode: http.StatusBadRequest, Message: "topic is not configured"}
	}
	reqID := uuid.NewString()
	data, err := json.Marshal(Payload{
		RequestID: reqID,
		From:      msg.From,
		To:        msg.To,
		Subject:   msg.Subject,
		HTML:      msg.HTML,
		Text:      msg.Text,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{AttrKind: kindEmail, AttrRequestID: reqID},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", &email.ProviderError{Provider: p.Name(), StatusCode: httpStatus(err), Err: err}
	}
	return id, nil
}

// Stop flushes pending publishes.
func (p *Provider) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

// httpStatus maps gRPC codes onto the HTTP statuses email.IsRetryable knows.
func httpStatus(err error) int {
	switch status.Code(err) {
	case codes.Unavailable, codes.Internal, codes.Aborted:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.InvalidArgument, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	default:
		return 0
	}
}
