package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU and memory reading of a supervised process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceCollector periodically samples processes returned by a source
// function and exports them as gauges labelled by process name.
type ResourceCollector struct {
	interval time.Duration
	source   func() map[string]int32 // name -> pid
	logger   *slog.Logger

	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec

	mu     sync.RWMutex
	last   map[string]ResourceSample
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewResourceCollector(interval time.Duration, source func() map[string]int32, logger *slog.Logger) *ResourceCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceCollector{
		interval: interval,
		source:   source,
		logger:   logger,
		cpu:      gauge("cpu_percent", "CPU usage percentage of supervised processes."),
		memory:   gauge("memory_mb", "Resident memory in MB of supervised processes."),
		threads:  gauge("num_threads", "Thread count of supervised processes."),
		fds:      gauge("num_fds", "Open file descriptors of supervised processes (Unix only)."),
		last:     make(map[string]ResourceSample),
		stopCh:   make(chan struct{}),
	}
}

// Register registers the resource gauges, ignoring already registered ones.
func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{c.cpu, c.memory, c.threads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.fds)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples every interval until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every process from the source and drops
// gauges of names that disappeared.
func (c *ResourceCollector) Collect() {
	procs := c.source()
	now := time.Now()
	next := make(map[string]ResourceSample, len(procs))
	for name, pid := range procs {
		if pid <= 0 {
			continue
		}
		s, err := sample(name, pid, now)
		if err != nil {
			c.logger.Debug("resource sample failed", "name", name, "pid", pid, "error", err)
			continue
		}
		next[name] = s
		c.cpu.WithLabelValues(name).Set(s.CPUPercent)
		c.memory.WithLabelValues(name).Set(s.MemoryMB)
		c.threads.WithLabelValues(name).Set(float64(s.NumThreads))
		if s.NumFDs > 0 {
			c.fds.WithLabelValues(name).Set(float64(s.NumFDs))
		}
	}

	c.mu.Lock()
	for name := range c.last {
		if _, ok := next[name]; !ok {
			c.cpu.DeleteLabelValues(name)
			c.memory.DeleteLabelValues(name)
			c.threads.DeleteLabelValues(name)
			c.fds.DeleteLabelValues(name)
		}
	}
	c.last = next
	c.mu.Unlock()
}

// Last returns the most recent sample for name.
func (c *ResourceCollector) Last(name string) (ResourceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.last[name]
	return s, ok
}

func sample(name string, pid int32, at time.Time) (ResourceSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	s := ResourceSample{
		PID:       pid,
		Name:      name,
		MemoryMB:  float64(mem.RSS) / 1024 / 1024,
		Timestamp: at,
	}
	// CPUPercent and NumThreads are best effort
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}
