package replication

import (
	"github.com/prometheus/client_golang/prometheus"
)

var RecordsReplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relaydoc",
	Subsystem: "replication",
	Name:      "records_total",
}, []string{"direction"})

var ReplicationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relaydoc",
	Subsystem: "replication",
	Name:      "failures_total",
}, []string{"direction"})

var LiveRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relaydoc",
	Subsystem: "replication",
	Name:      "live_retries_total",
}, []string{"direction"})

var ConflictsDetected = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "relaydoc",
	Subsystem: "replication",
	Name:      "conflicts_detected_total",
})

func MustRegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RecordsReplicated, ReplicationFailures, LiveRetries, ConflictsDetected)
}
