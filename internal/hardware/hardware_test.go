package hardware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu    sync.Mutex
	sent  map[string][][]byte
	err   error
	calls int
}

func (r *recordingTransport) Send(_ context.Context, deviceID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	if r.sent == nil {
		r.sent = map[string][][]byte{}
	}
	r.sent[deviceID] = append(r.sent[deviceID], payload)
	return nil
}

func TestDrawerJobCarriesKickPulse(t *testing.T) {
	job := DrawerJob("main-store", "till-1")
	assert.Equal(t, JobDrawer, job.Kind)
	assert.Equal(t, []byte{0x1b, 0x70, 0x00, 0x19, 0xfa}, job.Payload)

	job.Payload[0] = 0
	assert.Equal(t, byte(0x1b), DrawerJob("main-store", "till-1").Payload[0])
}

func TestAsyncDispatcherDeliversDetachedFromCaller(t *testing.T) {
	transport := &recordingTransport{}
	d := NewAsyncDispatcher(transport, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, PrintJob("main-store", "till-1", "rcpt-1", []byte("hello")))
	cancel()
	d.Wait()

	require.Len(t, transport.sent["till-1"], 1)
	assert.Equal(t, []byte("hello"), transport.sent["till-1"][0])
}

func TestAsyncDispatcherSwallowsFailures(t *testing.T) {
	transport := &recordingTransport{err: errors.New("paper out")}
	d := NewAsyncDispatcher(transport, time.Second)

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), DrawerJob("main-store", "till-1"))
		d.Wait()
	})
	assert.Equal(t, 1, transport.calls)
}

func TestNetworkTransportWritesRawBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	transport := NewNetworkTransport(map[string]string{"till-1": ln.Addr().String()}, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, transport.Send(ctx, "till-1", drawerKick))

	select {
	case data := <-received:
		assert.Equal(t, drawerKick, data)
	case <-time.After(2 * time.Second):
		t.Fatal("printer did not receive payload")
	}
}

func TestNetworkTransportRejectsUnknownDevice(t *testing.T) {
	transport := NewNetworkTransport(map[string]string{}, time.Second)
	err := transport.Send(context.Background(), "till-9", drawerKick)
	assert.ErrorContains(t, err, "till-9")
}

func TestProcessJobRetriesThenGivesUp(t *testing.T) {
	transport := &recordingTransport{err: errors.New("connection refused")}
	raw, err := json.Marshal(DrawerJob("main-store", "till-1"))
	require.NoError(t, err)

	job, ok := processJob(context.Background(), transport, string(raw))
	assert.False(t, ok)
	assert.Equal(t, "till-1", job.DeviceID)
	assert.Equal(t, maxDeliveryAttempts, transport.calls)
}

func TestProcessJobDeliversQueuedPayload(t *testing.T) {
	transport := &recordingTransport{}
	raw, err := json.Marshal(PrintJob("main-store", "till-2", "rcpt-7", []byte{0x1b, 0x40, 'h', 'i'}))
	require.NoError(t, err)

	job, ok := processJob(context.Background(), transport, string(raw))
	require.True(t, ok)
	assert.Equal(t, "rcpt-7", job.Reference)
	assert.Equal(t, []byte{0x1b, 0x40, 'h', 'i'}, transport.sent["till-2"][0])
}

func TestProcessJobRejectsMalformedPayload(t *testing.T) {
	_, ok := processJob(context.Background(), &recordingTransport{}, "{not json")
	assert.False(t, ok)
}

type countingHook struct {
	calls atomic.Int32
}

func (h *countingHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *countingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.calls.Add(1)
		return next(ctx, cmd)
	}
}

func (h *countingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestWorkerBacksOffWhileRedisIsDown(t *testing.T) {
	previous := pollErrorBackoff
	pollErrorBackoff = 100 * time.Millisecond
	t.Cleanup(func() { pollErrorBackoff = previous })

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	hook := &countingHook{}
	rdb.AddHook(hook)

	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		runWorker(ctx, rdb, &recordingTransport{}, 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
	calls := hook.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(1))
	assert.LessOrEqual(t, calls, int32(5))
}
