package email

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogProvider records messages in the log instead of sending them. It is the
// development default.
type LogProvider struct {
	logger *zap.Logger

	mu   sync.Mutex
	sent []Message
}

// NewLogProvider creates a LogProvider.
func NewLogProvider(logger *zap.Logger) *LogProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogProvider{logger: logger}
}

// Name implements Provider.
func (p *LogProvider) Name() string { return "log" }

// Send logs the message and returns a random id.
func (p *LogProvider) Send(_ context.Context, msg Message) (string, error) {
	id := "log-" + uuid.NewString()
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	p.mu.Unlock()
	p.logger.Info("email (log provider)",
		zap.String("message_id", id),
		zap.String("recipient", MaskAddress(msg.To)),
		zap.String("subject", msg.Subject),
		zap.Int("text_bytes", len(msg.Text)))
	return id, nil
}

// Sent returns the messages logged so far.
func (p *LogProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}
