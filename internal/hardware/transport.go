package hardware

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// NetworkTransport writes raw ESC/POS bytes to printers listening on a TCP
// port (usually 9100), one address per device.
type NetworkTransport struct {
	addrs  map[string]string
	dialer net.Dialer
}

func NewNetworkTransport(addrs map[string]string, dialTimeout time.Duration) *NetworkTransport {
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	return &NetworkTransport{addrs: addrs, dialer: net.Dialer{Timeout: dialTimeout}}
}

func (t *NetworkTransport) Send(ctx context.Context, deviceID string, payload []byte) error {
	addr, ok := t.addrs[deviceID]
	if !ok {
		return fmt.Errorf("no printer configured for device %q", deviceID)
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	_, err = conn.Write(payload)
	return err
}

// LogTransport only logs deliveries. Used when no printers are configured.
type LogTransport struct{}

func (LogTransport) Send(_ context.Context, deviceID string, payload []byte) error {
	log.Info().
		Str("component", "hardware").
		Str("device_id", deviceID).
		Int("bytes", len(payload)).
		Msg("hardware delivery (log transport)")
	return nil
}
