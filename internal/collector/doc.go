// Package collector provides the Node Telemetry Reader.
//
// The reader turns the cluster's node inventory and a pluggable usage source
// into the available memory of every node, keyed by node address:
//
//	source, err := collector.NewUsageSource(cfg.Telemetry, k8sClient)
//	reader := collector.NewReader(k8sClient, catalog, source)
//	capacity, err := reader.AvailableMemory(ctx)
//
// # Usage Sources
//
//   - MetricsAPISource: node metrics from the metrics.k8s.io/v1beta1 API (default)
//   - PrometheusSource: cAdvisor root-cgroup series queried from Prometheus
//
// # Units
//
// Available memory is reported in MiB, the unit of the static catalog's model
// memory requirements. It is computed as allocatable memory minus current
// usage and floored at zero.
//
// Nothing here is persisted; every call reads fresh values.
package collector
