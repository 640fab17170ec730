package metrics

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Collector gathers playback counters using atomics so the loader and the
// delivery loop can update them without sharing a lock.
type Collector struct {
	eventsLoaded    atomic.Int64
	eventsDelivered atomic.Int64
	loadCycles      atomic.Int64
	loadThrottled   atomic.Int64
	sinkDropped     atomic.Int64
	sinkFailed      atomic.Int64

	stageDurations map[string]*durationTracker
	mu             sync.RWMutex

	startTime time.Time
}

type durationTracker struct {
	total time.Duration
	count int64
	mu    sync.Mutex
}

func NewCollector() *Collector {
	return &Collector{
		stageDurations: make(map[string]*durationTracker),
		startTime:      time.Now(),
	}
}

func (c *Collector) EventsLoaded(n int64) { c.eventsLoaded.Add(n) }
func (c *Collector) EventDelivered()      { c.eventsDelivered.Add(1) }
func (c *Collector) LoadCycle()           { c.loadCycles.Add(1) }
func (c *Collector) LoadThrottled()       { c.loadThrottled.Add(1) }
func (c *Collector) SinkDropped()         { c.sinkDropped.Add(1) }
func (c *Collector) SinkFailed()          { c.sinkFailed.Add(1) }

// TrackStageDuration records how long a named stage took.
func (c *Collector) TrackStageDuration(stage string, d time.Duration) {
	c.mu.RLock()
	tracker, ok := c.stageDurations[stage]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		// Double-check after acquiring write lock
		if tracker, ok = c.stageDurations[stage]; !ok {
			tracker = &durationTracker{}
			c.stageDurations[stage] = tracker
		}
		c.mu.Unlock()
	}

	tracker.mu.Lock()
	tracker.total += d
	tracker.count++
	tracker.mu.Unlock()
}

// Snapshot represents a point-in-time view of playback metrics.
type Snapshot struct {
	EventsLoaded     int64             `json:"events_loaded"`
	EventsDelivered  int64             `json:"events_delivered"`
	LoadCycles       int64             `json:"load_cycles"`
	LoadThrottled    int64             `json:"load_throttled"`
	SinkDropped      int64             `json:"sink_dropped"`
	SinkFailed       int64             `json:"sink_failed"`
	Uptime           string            `json:"uptime"`
	DeliveryRate     float64           `json:"events_per_second"`
	AvgStageDuration map[string]string `json:"avg_stage_duration_ms"`
}

// Snapshot returns a consistent view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	delivered := c.eventsDelivered.Load()
	elapsed := time.Since(c.startTime)

	var rate float64
	if elapsed.Seconds() > 0 {
		rate = float64(delivered) / elapsed.Seconds()
	}

	avgDurations := make(map[string]string)
	c.mu.RLock()
	for stage, tracker := range c.stageDurations {
		tracker.mu.Lock()
		if tracker.count > 0 {
			avg := tracker.total / time.Duration(tracker.count)
			avgDurations[stage] = fmt.Sprintf("%.2fms", float64(avg.Microseconds())/1000)
		}
		tracker.mu.Unlock()
	}
	c.mu.RUnlock()

	return Snapshot{
		EventsLoaded:     c.eventsLoaded.Load(),
		EventsDelivered:  delivered,
		LoadCycles:       c.loadCycles.Load(),
		LoadThrottled:    c.loadThrottled.Load(),
		SinkDropped:      c.sinkDropped.Load(),
		SinkFailed:       c.sinkFailed.Load(),
		Uptime:           elapsed.Round(time.Second).String(),
		DeliveryRate:     rate,
		AvgStageDuration: avgDurations,
	}
}

// Fields flattens the snapshot into the stats map published by a session.
func (s Snapshot) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"events_loaded":     s.EventsLoaded,
		"events_delivered":  s.EventsDelivered,
		"load_cycles":       s.LoadCycles,
		"load_throttled":    s.LoadThrottled,
		"sink_dropped":      s.SinkDropped,
		"sink_failed":       s.SinkFailed,
		"uptime":            s.Uptime,
		"events_per_second": s.DeliveryRate,
	}
	for stage, avg := range s.AvgStageDuration {
		fields["avg_"+stage+"_duration"] = avg
	}
	return fields
}

// JSON returns the snapshot as formatted JSON.
func (c *Collector) JSON() (string, error) {
	snap := c.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
