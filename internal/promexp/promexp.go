// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package promexp renders the monkit registry in the Prometheus text
// exposition format.
package promexp

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
)

// Handler serves the default monkit registry as Prometheus metrics.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		WriteStats(w, monkit.Default)
	})
}

type sample struct {
	labels string
	value  float64
}

// WriteStats writes every series of the registry to w, grouped by
// metric name as the exposition format requires.
func WriteStats(w interface{ Write([]byte) (int, error) }, registry *monkit.Registry) {
	metrics := map[string][]sample{}
	registry.Stats(func(key monkit.SeriesKey, field string, val float64) {
		measurement, tags := splitSeries(key.String())
		name := sanitize(measurement) + "_" + sanitize(field)
		metrics[name] = append(metrics[name], sample{labels: tags, value: val})
	})

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		samples := metrics[name]
		sort.Slice(samples, func(i, j int) bool { return samples[i].labels < samples[j].labels })
		for _, s := range samples {
			if s.labels == "" {
				fmt.Fprintf(w, "%s %g\n", name, s.value)
			} else {
				fmt.Fprintf(w, "%s{%s} %g\n", name, s.labels, s.value)
			}
		}
	}
}

// splitSeries breaks a monkit series key of the form
// "measurement,tag1=v1,tag2=v2" into the measurement and a Prometheus
// label list.
func splitSeries(series string) (measurement, labels string) {
	measurement = series
	if i := strings.IndexByte(series, ','); i >= 0 {
		measurement = series[:i]
		var parts []string
		for _, tag := range strings.Split(series[i+1:], ",") {
			k, v, ok := strings.Cut(tag, "=")
			if !ok {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s=%q", sanitize(k), v))
		}
		labels = strings.Join(parts, ",")
	}
	return measurement, labels
}

func sanitize(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
