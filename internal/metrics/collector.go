package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// StateCounter reports how many schedulables are in each state
type StateCounter interface {
	CountByState(ctx context.Context) (map[string]int64, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// counterSnapshot maps metric name -> encoded label set -> value
type counterSnapshot map[string]map[string]float64

// Collector persists counter values across restarts and refreshes gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	states        StateCounter
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counters into m
func NewCollector(db *bolt.DB, m *Metrics, states StateCounter, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		states:        states,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}

		var snap counterSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil // skip invalid data
		}

		for name, series := range snap {
			vec, ok := c.metrics.counters[name]
			if !ok {
				continue
			}
			for key, v := range series {
				counter, err := vec.GetMetricWith(decodeLabels(key))
				if err != nil {
					continue
				}
				counter.Add(v)
			}
		}
		return nil
	})
}

// snapshot reads the current counter values from the registry
func (c *Collector) snapshot() (counterSnapshot, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	snap := make(counterSnapshot)
	for _, mf := range families {
		if _, ok := c.metrics.counters[mf.GetName()]; !ok || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		series := make(map[string]float64, len(mf.GetMetric()))
		for _, metric := range mf.GetMetric() {
			series[encodeLabels(metric.GetLabel())] = metric.GetCounter().GetValue()
		}
		snap[mf.GetName()] = series
	}
	return snap, nil
}

func (c *Collector) persistCounters() error {
	snap, err := c.snapshot()
	if err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.states != nil {
		counts, err := c.states.CountByState(ctx)
		if err == nil {
			c.metrics.Schedulables.Reset()
			for state, n := range counts {
				c.metrics.Schedulables.WithLabelValues(state).Set(float64(n))
			}
		}
	}
}

// encodeLabels renders label pairs as "k=v|k=v" sorted by name
func encodeLabels(pairs []*dto.LabelPair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.GetName()+"="+p.GetValue())
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

func decodeLabels(key string) prometheus.Labels {
	labels := prometheus.Labels{}
	if key == "" {
		return labels
	}
	for _, part := range strings.Split(key, "|") {
		k, v, _ := strings.Cut(part, "=")
		labels[k] = v
	}
	return labels
}
