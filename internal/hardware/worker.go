package hardware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	QueueHardware = "kasseledger:jobs:hardware"
	DLQPrefix     = "dlq:"

	maxDeliveryAttempts = 3
)

// pollErrorBackoff spaces out BRPop calls while redis is failing.
var pollErrorBackoff = 2 * time.Second

// RedisDispatcher enqueues jobs for the worker pool so deliveries survive a
// restart of the API process.
type RedisDispatcher struct {
	rdb *redis.Client
}

func NewRedisDispatcher(rdb *redis.Client) *RedisDispatcher {
	return &RedisDispatcher{rdb: rdb}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, job Job) {
	encoded, err := json.Marshal(job)
	if err == nil {
		err = d.rdb.LPush(context.WithoutCancel(ctx), QueueHardware, encoded).Err()
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("component", "hardware").
			Str("kind", string(job.Kind)).
			Str("device_id", job.DeviceID).
			Msg("failed to enqueue hardware job")
	}
}

// StartWorkerPool launches numWorkers goroutines draining the hardware queue.
func StartWorkerPool(ctx context.Context, rdb *redis.Client, transport Transport, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		go runWorker(ctx, rdb, transport, i)
	}
	log.Info().Str("component", "hardware").Int("workers", numWorkers).Msg("hardware worker pool started")
}

func runWorker(ctx context.Context, rdb *redis.Client, transport Transport, id int) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "hardware").Int("worker", id).Msg("hardware worker shutting down")
			return
		default:
			result, err := rdb.BRPop(ctx, 5*time.Second, QueueHardware).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("component", "hardware").Int("worker", id).Msg("hardware queue poll failed")
				}
				select {
				case <-ctx.Done():
				case <-time.After(pollErrorBackoff):
				}
				continue
			}
			if len(result) < 2 {
				continue
			}
			job, ok := processJob(ctx, transport, result[1])
			if !ok {
				sendToDLQ(ctx, rdb, job, result[1])
			}
		}
	}
}

// processJob delivers one queued job, retrying a bounded number of times.
// It returns false when the job should be parked in the dead letter queue.
func processJob(ctx context.Context, transport Transport, raw string) (Job, bool) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		log.Error().Err(err).Str("component", "hardware").Msg("failed to unmarshal hardware job")
		return job, false
	}

	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := deliver(sendCtx, transport, job)
		cancel()
		if err == nil {
			return job, true
		}
		if attempt < maxDeliveryAttempts {
			select {
			case <-ctx.Done():
				return job, false
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
	}
	return job, false
}

func sendToDLQ(ctx context.Context, rdb *redis.Client, job Job, raw string) {
	key := DLQPrefix + QueueHardware
	if err := rdb.LPush(context.WithoutCancel(ctx), key, raw).Err(); err != nil {
		log.Error().Err(err).Str("component", "hardware").Str("dlq_key", key).Msg("failed to park hardware job")
		return
	}
	log.Warn().
		Str("component", "hardware").
		Str("kind", string(job.Kind)).
		Str("device_id", job.DeviceID).
		Int("attempts", maxDeliveryAttempts).
		Msg("hardware job moved to dead letter queue")
}
