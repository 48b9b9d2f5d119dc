package isi

import "github.com/prometheus/client_golang/prometheus"

// PrometheusDiagnostics is the default UpdateDiagnostics/ReportAbort sink
// wired in when FlagSupplyDiagnostics is set (spec.md §6, grounded on
// original_source CondDiag.c's conditional-compile dispatch — here it is
// a registration choice instead of a build flag). Host applications that
// want a different sink implement AssemblyCallbacks' diagnostics methods
// directly instead of embedding this type.
type PrometheusDiagnostics struct {
	events *prometheus.CounterVec
	aborts *prometheus.CounterVec
}

// NewPrometheusDiagnostics registers the engine's diagnostics counters
// against reg. Pass prometheus.DefaultRegisterer for the global registry.
func NewPrometheusDiagnostics(reg prometheus.Registerer) *PrometheusDiagnostics {
	d := &PrometheusDiagnostics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isi",
			Name:      "diagnostic_events_total",
			Help:      "Count of ISI conditional-diagnostics events by kind.",
		}, []string{"event"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isi",
			Name:      "acquisition_aborts_total",
			Help:      "Count of DA/DAS acquisition aborts by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(d.events, d.aborts)
	return d
}

func (d *PrometheusDiagnostics) report(event DiagnosticsEvent) {
	var label string
	switch event {
	case DiagSelectorDuplicate:
		label = "selector_duplicate"
	case DiagSelectorUpdate:
		label = "selector_update"
	case DiagConnectionRemoved:
		label = "connection_removed"
	default:
		label = "unknown"
	}
	d.events.WithLabelValues(label).Inc()
}

// Report implements the diagnostics half of AssemblyCallbacks for a host
// application that embeds PrometheusDiagnostics. It is exported as a
// plain method (not UpdateDiagnostics) so callers compose it explicitly
// into their own AssemblyCallbacks implementation rather than being
// forced to inherit it.
func (d *PrometheusDiagnostics) Report(event DiagnosticsEvent, _ uint8) { d.report(event) }

// ReportAbort records an acquisition abort reason.
func (d *PrometheusDiagnostics) ReportAbort(reason AbortReason) {
	var label string
	switch reason {
	case AbortUnsuccessfulAcquisition:
		label = "unsuccessful_acquisition"
	case AbortMismatchingDidrm:
		label = "mismatching_didrm"
	case AbortMismatchingDidcf:
		label = "mismatching_didcf"
	case AbortMismatchService:
		label = "mismatch_service"
	default:
		label = "none"
	}
	d.aborts.WithLabelValues(label).Inc()
}
