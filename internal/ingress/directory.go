package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/storage"
)

// MetricStore is the subset of the repository the directory needs.
type MetricStore interface {
	GetMetricByName(ctx context.Context, datasource, name string) (model.Metric, error)
	CreateMetric(ctx context.Context, m model.Metric) error
}

// Directory is the in-process name → metric cache used while dispatching
// batches. Unseen custom metrics are created on first sight, in Unmonitored
// state; monitoring starts only when someone issues a model spec for them.
// Entries are best-effort and evicted when the underlying metric vanishes.
type Directory struct {
	store  MetricStore
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]model.Metric
}

// NewDirectory creates an empty directory backed by the store.
func NewDirectory(store MetricStore, logger *slog.Logger) *Directory {
	return &Directory{
		store:   store,
		logger:  logger,
		entries: make(map[string]model.Metric),
	}
}

func directoryKey(datasource, name string) string {
	return datasource + "\x00" + name
}

// Resolve returns the metric for (datasource, name), creating it when it
// does not exist yet.
func (d *Directory) Resolve(ctx context.Context, datasource, name string) (model.Metric, error) {
	key := directoryKey(datasource, name)

	d.mu.RLock()
	m, ok := d.entries[key]
	d.mu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := d.store.GetMetricByName(ctx, datasource, name)
	if errors.Is(err, storage.ErrNotFound) {
		m = model.Metric{
			ID:           uuid.New(),
			Datasource:   datasource,
			Name:         name,
			PollInterval: 300,
			Status:       model.Status{Code: model.StatusUnmonitored},
		}
		if cerr := d.store.CreateMetric(ctx, m); cerr != nil {
			if !errors.Is(cerr, storage.ErrMetricExists) {
				return model.Metric{}, cerr
			}
			// Another consumer created it first.
			m, err = d.store.GetMetricByName(ctx, datasource, name)
			if err != nil {
				return model.Metric{}, fmt.Errorf("ingress: resolve after collision: %w", err)
			}
		} else {
			d.logger.Info("ingress: created custom metric",
				"metric_id", m.ID, "datasource", datasource, "name", name)
		}
	} else if err != nil {
		return model.Metric{}, fmt.Errorf("ingress: resolve metric %q: %w", name, err)
	}

	d.mu.Lock()
	d.entries[key] = m
	d.mu.Unlock()
	return m, nil
}

// Evict drops a cached entry, forcing the next Resolve to hit the store.
func (d *Directory) Evict(datasource, name string) {
	d.mu.Lock()
	delete(d.entries, directoryKey(datasource, name))
	d.mu.Unlock()
}

// Len returns the number of cached entries.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
