package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// buildInfo is a constant 1 gauge labelled with the running version.
var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Rumor service build information.",
	},
	[]string{"version", "commit"},
)

// InitBuildInfo registers the metrics (once) and sets build_info.
func InitBuildInfo(version, commit string) {
	Init()
	buildInfo.WithLabelValues(version, commit).Set(1)
}
