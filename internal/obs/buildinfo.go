package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo — gauge со статич. значением 1 и метками версии/коммита.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "thefolder-api build information.",
		},
		[]string{"version", "commit", "model"},
	)
)

// InitBuildInfo registers build_info once and sets it for the running binary.
func InitBuildInfo(version, commit, model string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, model).Set(1)
}
