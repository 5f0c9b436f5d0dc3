package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tollgate-io/tollgate/internal/storage"
)

const (
	touchChanSize   = 1000
	touchBatchSize  = 100
	touchFlushEvery = 5 * time.Second
	touchDrainTime  = 10 * time.Second
)

// KeyToucher buffers last-used key IDs and batch-flushes them to the store.
// IDs are dropped if the channel is full; last-used is advisory metadata.
type KeyToucher struct {
	ch    chan string
	store storage.APIKeyStore
	gauge prometheus.Gauge // nil-able queue length gauge
}

// NewKeyToucher creates a KeyToucher backed by store. gauge may be nil.
func NewKeyToucher(store storage.APIKeyStore, gauge prometheus.Gauge) *KeyToucher {
	return &KeyToucher{
		ch:    make(chan string, touchChanSize),
		store: store,
		gauge: gauge,
	}
}

// Touch enqueues a key ID. It never blocks; drops on full channel.
// Implements the auth.Toucher interface.
func (k *KeyToucher) Touch(keyID string) {
	select {
	case k.ch <- keyID:
		if k.gauge != nil {
			k.gauge.Set(float64(len(k.ch)))
		}
	default:
		slog.Warn("last-used touch dropped, channel full")
	}
}

// Run processes touches until ctx is cancelled, then drains what remains.
func (k *KeyToucher) Run(ctx context.Context) error {
	ticker := time.NewTicker(touchFlushEvery)
	defer ticker.Stop()

	pending := make(map[string]struct{}, touchBatchSize)

	for {
		select {
		case id := <-k.ch:
			pending[id] = struct{}{}
			if len(pending) >= touchBatchSize {
				k.flush(ctx, pending)
				clear(pending)
			}

		case <-ticker.C:
			if len(pending) > 0 {
				k.flush(ctx, pending)
				clear(pending)
			}

		case <-ctx.Done():
			k.drain(pending)
			return nil
		}
	}
}

func (k *KeyToucher) drain(pending map[string]struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), touchDrainTime)
	defer cancel()

	for {
		select {
		case id := <-k.ch:
			pending[id] = struct{}{}
		default:
			if len(pending) > 0 {
				k.flush(ctx, pending)
			}
			return
		}
	}
}

// flush dedupes the pending set into one batched UPDATE.
func (k *KeyToucher) flush(ctx context.Context, pending map[string]struct{}) {
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	if err := k.store.TouchKeysUsed(ctx, ids); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "last-used flush failed",
			slog.Int("count", len(ids)),
			slog.String("error", err.Error()),
		)
	}
	if k.gauge != nil {
		k.gauge.Set(float64(len(k.ch)))
	}
}
