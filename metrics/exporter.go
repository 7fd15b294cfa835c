package metrics

import (
	"net/http"

	ocprom "contrib.go.opencensus.io/exporter/prometheus"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logging.Logger("metrics")

// Exporter returns an http.Handler exposing all recorded OpenCensus views in
// the prometheus exposition format.
func Exporter(namespace string) http.Handler {
	registry := prometheus.NewRegistry()
	exporter, err := ocprom.NewExporter(ocprom.Options{
		Registry:  registry,
		Namespace: namespace,
	})
	if err != nil {
		log.Errorf("could not create the prometheus stats exporter: %v", err)
	}
	return exporter
}
