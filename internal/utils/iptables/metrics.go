package iptables

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	commandInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iptctl_command_invocations_total",
		Help: "Number of iptables/ip6tables invocations by result (success, exit_<code>, error)",
	}, []string{"command", "result"})

	commandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iptctl_command_duration_seconds",
		Help:    "Wall time of iptables/ip6tables invocations, including time iptables itself waits for the xtables lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"command"})

	lockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "iptctl_lock_wait_seconds",
		Help:    "Time spent acquiring the xtables lock file on hosts without --wait support",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)

func init() {
	metrics.Registry.MustRegister(commandInvocations, commandDuration, lockWaitSeconds)
}
