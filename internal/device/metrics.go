package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocatedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redux_device_allocated_bytes",
		Help: "Bytes of device memory currently handed out by the allocator",
	}, []string{"device"})

	liveBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redux_device_buffers",
		Help: "Number of device buffers currently handed out by the allocator",
	}, []string{"device"})

	allocFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redux_device_alloc_failures_total",
		Help: "Total number of failed device allocations",
	}, []string{"device"})
)
