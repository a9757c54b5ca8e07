package version

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zrepl/sitetosite/rpc/versionhandshake"
)

var (
	s2sVersion string // set by build infrastructure
)

type VersionInformation struct {
	Version         string
	ProtocolVersion int
	RuntimeGo       string
	RuntimeGOOS     string
	RuntimeGOARCH   string
	RUNTIMECompiler string
}

func NewVersionInformation() *VersionInformation {
	return &VersionInformation{
		Version:         s2sVersion,
		ProtocolVersion: versionhandshake.ProtocolVersion,
		RuntimeGo:       runtime.Version(),
		RuntimeGOOS:     runtime.GOOS,
		RuntimeGOARCH:   runtime.GOARCH,
		RUNTIMECompiler: runtime.Compiler,
	}
}

func (i *VersionInformation) String() string {
	return fmt.Sprintf("s2s version=%s protocol=%d go=%s GOOS=%s GOARCH=%s Compiler=%s",
		i.Version, i.ProtocolVersion, i.RuntimeGo, i.RuntimeGOOS, i.RuntimeGOARCH, i.RUNTIMECompiler)
}

var prometheusMetric = prometheus.NewUntypedFunc(
	prometheus.UntypedOpts{
		Namespace: "sitetosite",
		Subsystem: "version",
		Name:      "build",
		Help:      "s2s build version",
		ConstLabels: map[string]string{
			"raw":          s2sVersion,
			"version_info": NewVersionInformation().String(),
		},
	},
	func() float64 { return 1 },
)

func PrometheusRegister(r prometheus.Registerer) error {
	return r.Register(prometheusMetric)
}
