package snapshot

import (
	"context"
	"log/slog"
)

// Source delivers full child snapshots of a path.
type Source interface {
	WatchChildren(ctx context.Context, path string) (<-chan map[string][]byte, error)
}

// DecodeFunc converts one raw child value.
type DecodeFunc[V any] func(key string, raw []byte) (V, error)

// Watch subscribes to path and emits the events of every snapshot that changed something.
// Each call owns a fresh Differ, so concurrent watchers never share a baseline.
// The returned channel closes when ctx is done or the source stops.
func Watch[V any](ctx context.Context, src Source, path string, decode DecodeFunc[V], logger *slog.Logger) (<-chan []Event[string, V], error) {
	snapshots, err := src.WatchChildren(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make(chan []Event[string, V])
	go func() {
		defer close(out)
		differ := NewDiffer[string, V]()
		for {
			var raw map[string][]byte
			var ok bool
			select {
			case <-ctx.Done():
				return
			case raw, ok = <-snapshots:
				if !ok {
					return
				}
			}

			decoded := make(map[string]V, len(raw))
			for key, value := range raw {
				v, err := decode(key, value)
				if err != nil {
					logger.WarnContext(ctx, "skipping undecodable child", "path", path, "key", key, "error", err)
					continue
				}
				decoded[key] = v
			}

			events := differ.Diff(decoded)
			if len(events) == 0 {
				continue
			}
			select {
			case out <- events:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
