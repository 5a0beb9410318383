package api

import (
	"context"
	"log/slog"
)

// Adapter is the API's communication provider. Delivery over HTTP is pull
// and push hybrid: the Communication Bus already records every outbound
// message in the canonical store and the event publisher fans it out to
// subscribed clients, so Send itself has nothing left to transmit.
type Adapter struct {
	logger *slog.Logger
}

// NewAdapter creates the "api" communication provider.
func NewAdapter(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger.With("component", "api-adapter")}
}

// Send implements bus.CommunicationProvider.
func (a *Adapter) Send(_ context.Context, channelID, content string) error {
	a.logger.Debug("Outbound message accepted", "channel_id", channelID, "bytes", len(content))
	return nil
}
