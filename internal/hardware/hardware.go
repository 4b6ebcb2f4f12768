package hardware

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kasseledger/backend/internal/metrics"
)

type JobKind string

const (
	JobPrint  JobKind = "print"
	JobDrawer JobKind = "drawer"
)

// ESC/POS pulse on drawer pin 2.
var drawerKick = []byte{0x1b, 0x70, 0x00, 0x19, 0xfa}

// Job is one delivery to a device. Payload is the raw byte stream the device
// expects.
type Job struct {
	Kind      JobKind `json:"kind"`
	StoreID   string  `json:"store_id"`
	DeviceID  string  `json:"device_id"`
	Reference string  `json:"reference,omitempty"`
	Payload   []byte  `json:"payload"`
}

func DrawerJob(storeID string, deviceID string) Job {
	payload := make([]byte, len(drawerKick))
	copy(payload, drawerKick)
	return Job{Kind: JobDrawer, StoreID: storeID, DeviceID: deviceID, Payload: payload}
}

func PrintJob(storeID string, deviceID string, receiptID string, artifact []byte) Job {
	return Job{Kind: JobPrint, StoreID: storeID, DeviceID: deviceID, Reference: receiptID, Payload: artifact}
}

// Transport delivers bytes to the device attached to deviceID.
type Transport interface {
	Send(ctx context.Context, deviceID string, payload []byte) error
}

// Dispatcher hands jobs off without waiting for delivery. It never reports
// failure to the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job)
}

func deliver(ctx context.Context, transport Transport, job Job) error {
	err := transport.Send(ctx, job.DeviceID, job.Payload)
	if err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues(string(job.Kind)).Inc()
		log.Warn().
			Err(err).
			Str("component", "hardware").
			Str("kind", string(job.Kind)).
			Str("store_id", job.StoreID).
			Str("device_id", job.DeviceID).
			Str("reference", job.Reference).
			Msg("hardware delivery failed")
	}
	return err
}

// AsyncDispatcher delivers each job on its own goroutine with a bounded
// timeout, detached from the caller's cancellation.
type AsyncDispatcher struct {
	transport Transport
	timeout   time.Duration
	wg        sync.WaitGroup
}

func NewAsyncDispatcher(transport Transport, timeout time.Duration) *AsyncDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AsyncDispatcher{transport: transport, timeout: timeout}
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, job Job) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		_ = deliver(sendCtx, d.transport, job)
	}()
}

// Wait blocks until every dispatched job has finished.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}
