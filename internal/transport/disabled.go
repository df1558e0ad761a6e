package transport

import "log/slog"

// DisabledClient stands in when no broker is reachable. Publish and
// Subscribe do nothing and Connected is always false.
type DisabledClient struct {
	logger *slog.Logger
}

func NewDisabledClient(logger *slog.Logger) *DisabledClient {
	return &DisabledClient{logger: logger.With("component", "transport")}
}

func (d *DisabledClient) Publish(topic string, _ []byte) error {
	d.logger.Debug("publish dropped, transport disabled", "topic", topic)
	return nil
}

func (d *DisabledClient) Subscribe(pattern string, _ Handler) error {
	d.logger.Debug("subscribe ignored, transport disabled", "topic", pattern)
	return nil
}

func (d *DisabledClient) Connected() bool { return false }

func (d *DisabledClient) Stop() {}
