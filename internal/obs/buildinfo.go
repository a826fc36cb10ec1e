package obs

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scriptgate_build_info",
			Help: "Version, commit and Go runtime of the running binary.",
		},
		[]string{"version", "commit", "go_version"},
	)

	startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scriptgate_start_time_seconds",
		Help: "Unix time the process published its build info.",
	})
)

// InitBuildInfo publishes the build labels and start time. Safe to call more
// than once; registration happens on the first call.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo, startTime)
		startTime.Set(float64(time.Now().Unix()))
	})
	if version == "" {
		version = "dev"
	}
	if commit == "" {
		commit = "unknown"
	}
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
