package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainwall"

// Registry holds the Prometheus registry for one firewall instance.
// Packet and rule counters are read from the Source at scrape time; the
// remaining metrics are recorded by the control path.
type Registry struct {
	reg *prometheus.Registry

	// Control path
	RulesetLoads    *prometheus.CounterVec
	RulesetSaves    *prometheus.CounterVec
	SweepDuration   prometheus.Histogram
	Checkpoints     *prometheus.CounterVec
	HookVerdictErrs *prometheus.CounterVec
}

// NewRegistry creates a registry exporting src.
func NewRegistry(src Source) *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{reg: reg}

	r.RulesetLoads = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ruleset_loads_total",
		Help:      "Ruleset load attempts by result",
	}, []string{"result"})

	r.RulesetSaves = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ruleset_saves_total",
		Help:      "Ruleset save attempts by result",
	}, []string{"result"})

	r.SweepDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "conntrack_sweep_duration_seconds",
		Help:      "Time spent sweeping the connection tracker",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	r.Checkpoints = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conntrack_checkpoints_total",
		Help:      "Connection tracker checkpoints by result",
	}, []string{"result"})

	r.HookVerdictErrs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_verdict_errors_total",
		Help:      "Failures delivering a verdict to the packet hook",
	}, []string{"queue"})

	if src != nil {
		reg.MustRegister(NewExporter(src))
	}
	reg.MustRegister(collectors.NewGoCollector())

	return r
}

// Gatherer exposes the underlying registry for tests and custom handlers.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns an HTTP handler serving the registry in the text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordResult bumps a result-labelled counter.
func RecordResult(vec *prometheus.CounterVec, err error) {
	vec.WithLabelValues(resultString(err)).Inc()
}

func resultString(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Exporter is a prometheus.Collector reading firewall counters on scrape.
type Exporter struct {
	src Source

	packets      *prometheus.Desc
	inspected    *prometheus.Desc
	rulesDefined *prometheus.Desc
	rulesMatched *prometheus.Desc
	rulesActive  *prometheus.Desc
	connsTracked *prometheus.Desc
	connsActive  *prometheus.Desc
	reclaimed    *prometheus.Desc
	insertFailed *prometheus.Desc
	failSafe     *prometheus.Desc
	ruleHits     *prometheus.Desc
	ruleBytes    *prometheus.Desc
}

// NewExporter creates an Exporter over src.
func NewExporter(src Source) *Exporter {
	fq := func(name string) string { return prometheus.BuildFQName(namespace, "", name) }
	ruleLabels := []string{"index", "chain", "name", "action"}
	return &Exporter{
		src:          src,
		packets:      prometheus.NewDesc(fq("packets_total"), "Packets by verdict", []string{"verdict"}, nil),
		inspected:    prometheus.NewDesc(fq("packets_inspected_total"), "Packets inspected", nil, nil),
		rulesDefined: prometheus.NewDesc(fq("rules_defined_total"), "Rules added since start", nil, nil),
		rulesMatched: prometheus.NewDesc(fq("rules_matched_total"), "Rule matches", nil, nil),
		rulesActive:  prometheus.NewDesc(fq("rules_active"), "Rules currently in use", nil, nil),
		connsTracked: prometheus.NewDesc(fq("conntrack_tracked_total"), "Connections tracked since start", nil, nil),
		connsActive:  prometheus.NewDesc(fq("conntrack_active"), "Connections currently tracked", nil, nil),
		reclaimed:    prometheus.NewDesc(fq("conntrack_reclaimed_total"), "Connections removed by sweep", nil, nil),
		insertFailed: prometheus.NewDesc(fq("conntrack_insert_failed_total"), "Connections not tracked because the table was full", nil, nil),
		failSafe:     prometheus.NewDesc(fq("fail_safe_drops_total"), "Packets dropped due to internal inconsistency", nil, nil),
		ruleHits:     prometheus.NewDesc(fq("rule_hits_total"), "Packets matched per rule", ruleLabels, nil),
		ruleBytes:    prometheus.NewDesc(fq("rule_bytes_total"), "Bytes matched per rule", ruleLabels, nil),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.packets
	ch <- e.inspected
	ch <- e.rulesDefined
	ch <- e.rulesMatched
	ch <- e.rulesActive
	ch <- e.connsTracked
	ch <- e.connsActive
	ch <- e.reclaimed
	ch <- e.insertFailed
	ch <- e.failSafe
	ch <- e.ruleHits
	ch <- e.ruleBytes
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.src.Metrics()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	counter(e.packets, s.PacketsAccepted, "accept")
	counter(e.packets, s.PacketsDropped, "drop")
	counter(e.packets, s.PacketsRejected, "reject")
	counter(e.inspected, s.PacketsInspected)
	counter(e.rulesDefined, s.RulesDefined)
	counter(e.rulesMatched, s.RulesMatched)
	gauge(e.rulesActive, s.RulesActive)
	counter(e.connsTracked, s.ConnsTracked)
	gauge(e.connsActive, s.ConnsActive)
	counter(e.reclaimed, s.ConnsReclaimed)
	counter(e.insertFailed, s.ConnInsertFailed)
	counter(e.failSafe, s.FailSafeDrops)

	for _, r := range e.src.RuleStats() {
		labels := []string{strconv.Itoa(r.Index), r.Chain, r.Name, r.Action}
		counter(e.ruleHits, r.Hits, labels...)
		counter(e.ruleBytes, r.Bytes, labels...)
	}
}
