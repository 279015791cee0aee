// Package internaldefs holds the metric names and bucket bounds shared by the
// exporters, so OTel and Prometheus report the same series.
package internaldefs
