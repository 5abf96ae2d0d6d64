package backend

import (
	"github.com/prometheus/client_golang/prometheus"
)

type nodeMetricsCollector struct {
	node    *Node
	metrics []nodeMetric
}

type nodeMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(stats ModelStats) float64
}

func newNodeMetricsCollector(node *Node) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("modelmux", "backend", name),
			help,
			[]string{"model_session"},
			nil,
		)
	}

	return &nodeMetricsCollector{
		node: node,
		metrics: []nodeMetric{
			{
				desc:      desc("queue_len", "Inputs currently waiting for a forward pass."),
				valueType: prometheus.GaugeValue,
				extract: func(stats ModelStats) float64 {
					return float64(stats.QueueLen)
				},
			},
			{
				desc:      desc("forwards_total", "Batched forward passes executed since start."),
				valueType: prometheus.CounterValue,
				extract: func(stats ModelStats) float64 {
					return float64(stats.Forwards)
				},
			},
			{
				desc:      desc("dropped_inputs_total", "Inputs dropped for missed deadlines since start."),
				valueType: prometheus.CounterValue,
				extract: func(stats ModelStats) float64 {
					return float64(stats.Dropped)
				},
			},
		},
	}
}

func (c *nodeMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *nodeMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.node.Snapshot()
	for _, stats := range snapshot.Models {
		for _, metric := range c.metrics {
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, metric.extract(stats), stats.SessionID)
		}
	}
}
