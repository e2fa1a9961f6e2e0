package sip

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsReporter provides statistics snapshots, [Stack] and [StatsRecorder] implement it.
type StatsReporter interface {
	Stats() StatsReport
}

// Stats returns the statistics snapshot.
func (rcdr *StatsRecorder) Stats() StatsReport { return rcdr.Report() }

// MetricsCollector is a [prometheus.Collector] exporting stack statistics at scrape time.
type MetricsCollector struct {
	src StatsReporter

	tpMsgsDesc       *prometheus.Desc
	txsActiveDesc    *prometheus.Desc
	txsTotalDesc     *prometheus.Desc
	retransmitsDesc  *prometheus.Desc
	timeoutsDesc     *prometheus.Desc
	transpErrsDesc   *prometheus.Desc
	strayRessDesc    *prometheus.Desc
	droppedDesc      *prometheus.Desc
	dlgsActiveDesc   *prometheus.Desc
	dlgsTotalDesc    *prometheus.Desc
	dlgsConfirmDesc  *prometheus.Desc
	dlgsForkLostDesc *prometheus.Desc
}

// NewMetricsCollector creates a collector over the statistics source.
// Metric names are prefixed with the namespace, "sip" if empty.
func NewMetricsCollector(namespace string, src StatsReporter) *MetricsCollector {
	if namespace == "" {
		namespace = "sip"
	}
	name := func(n string) string { return prometheus.BuildFQName(namespace, "", n) }
	return &MetricsCollector{
		src: src,

		tpMsgsDesc: prometheus.NewDesc(
			name("transport_messages_total"),
			"Number of messages passed through transports",
			[]string{"proto", "local_addr", "direction", "kind"}, nil,
		),
		txsActiveDesc: prometheus.NewDesc(
			name("transactions_active"),
			"Number of transactions not terminated yet",
			[]string{"type"}, nil,
		),
		txsTotalDesc: prometheus.NewDesc(
			name("transactions_total"),
			"Number of created transactions",
			[]string{"type"}, nil,
		),
		retransmitsDesc: prometheus.NewDesc(
			name("retransmits_total"),
			"Number of retransmitted requests and responses",
			nil, nil,
		),
		timeoutsDesc: prometheus.NewDesc(
			name("transaction_timeouts_total"),
			"Number of transactions terminated by a timeout timer",
			nil, nil,
		),
		transpErrsDesc: prometheus.NewDesc(
			name("transaction_transport_errors_total"),
			"Number of transactions terminated by a transport failure",
			nil, nil,
		),
		strayRessDesc: prometheus.NewDesc(
			name("stray_responses_total"),
			"Number of responses matching no transaction or dialog",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			name("dropped_messages_total"),
			"Number of inbound messages dropped by the stack",
			nil, nil,
		),
		dlgsActiveDesc: prometheus.NewDesc(
			name("dialogs_active"),
			"Number of dialogs not terminated yet",
			nil, nil,
		),
		dlgsTotalDesc: prometheus.NewDesc(
			name("dialogs_total"),
			"Number of created dialogs",
			nil, nil,
		),
		dlgsConfirmDesc: prometheus.NewDesc(
			name("dialogs_confirmed_total"),
			"Number of dialogs that reached the confirmed state",
			nil, nil,
		),
		dlgsForkLostDesc: prometheus.NewDesc(
			name("dialogs_forks_lost_total"),
			"Number of dialogs terminated as losing INVITE forks",
			nil, nil,
		),
	}
}

// Describe implements [prometheus.Collector].
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tpMsgsDesc
	ch <- c.txsActiveDesc
	ch <- c.txsTotalDesc
	ch <- c.retransmitsDesc
	ch <- c.timeoutsDesc
	ch <- c.transpErrsDesc
	ch <- c.strayRessDesc
	ch <- c.droppedDesc
	ch <- c.dlgsActiveDesc
	ch <- c.dlgsTotalDesc
	ch <- c.dlgsConfirmDesc
	ch <- c.dlgsForkLostDesc
}

// Collect implements [prometheus.Collector].
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	report := c.src.Stats()

	for _, tp := range report.Transports {
		proto := tp.Proto.String()
		for _, v := range []struct {
			dir, kind string
			val       uint64
		}{
			{"in", "request", tp.RequestsReceived},
			{"out", "request", tp.RequestsSent},
			{"in", "response", tp.ResponsesReceived},
			{"out", "response", tp.ResponsesSent},
		} {
			ch <- prometheus.MustNewConstMetric(c.tpMsgsDesc, prometheus.CounterValue,
				float64(v.val), proto, tp.LocalAddr, v.dir, v.kind)
		}
	}

	for _, typ := range TransactionTypes {
		ch <- prometheus.MustNewConstMetric(c.txsActiveDesc, prometheus.GaugeValue,
			float64(report.Transactions.Active[typ]), string(typ))
		ch <- prometheus.MustNewConstMetric(c.txsTotalDesc, prometheus.CounterValue,
			float64(report.Transactions.Total[typ]), string(typ))
	}

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(c.retransmitsDesc, report.Transactions.Retransmits)
	counter(c.timeoutsDesc, report.Transactions.Timeouts)
	counter(c.transpErrsDesc, report.Transactions.TransportErrors)
	counter(c.strayRessDesc, report.Transactions.StrayResponses)
	counter(c.droppedDesc, report.Transactions.DroppedMessages)

	ch <- prometheus.MustNewConstMetric(c.dlgsActiveDesc, prometheus.GaugeValue, float64(report.Dialogs.Active))
	counter(c.dlgsTotalDesc, report.Dialogs.Total)
	counter(c.dlgsConfirmDesc, report.Dialogs.Confirmed)
	counter(c.dlgsForkLostDesc, report.Dialogs.ForksLost)
}
