package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
const (
	// Pipeline failure kinds (bounded set)
	KindTransientIO  = "transient_io"
	KindDataQuality  = "data_quality"
	KindNotReady     = "not_ready"
	KindShape        = "shape"
	KindPolicyReject = "policy_reject"
	KindCancelled    = "cancelled"
	KindOther        = "other"
)

// Scheduler and pipeline metrics
var (
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxengine_scheduler_ticks_total",
		Help: "Total number of scheduler ticks",
	})

	SymbolTaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fxengine_symbol_task_duration_ms",
		Help:    "Per-symbol pipeline task duration in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"symbol"})

	SymbolTaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxengine_symbol_task_outcomes_total",
		Help: "Per-symbol task outcomes by kind",
	}, []string{"symbol", "kind"})

	SymbolTasksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxengine_symbol_tasks_skipped_total",
		Help: "Tasks skipped because the previous tick's task was still running",
	}, []string{"symbol"})

	SymbolsDisabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxengine_symbols_disabled",
		Help: "Symbols currently out of rotation after consecutive failures",
	})
)

// Signal metrics
var (
	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxengine_signals_generated_total",
		Help: "Signals generated by symbol and side",
	}, []string{"symbol", "side"})

	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxengine_signals_rejected_total",
		Help: "Candidate signals rejected by stage",
	}, []string{"stage"})

	ActiveSignals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxengine_active_signals",
		Help: "Signals currently active on the bulletin board",
	})

	SignalConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fxengine_signal_confidence",
		Help:    "Confidence of generated signals",
		Buckets: []float64{0.5, 0.6, 0.65, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95},
	})
)

// EA transport metrics
var (
	EAConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxengine_ea_connections",
		Help: "Connected EA clients in READY state",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxengine_frames_received_total",
		Help: "Inbound frames by message type",
	}, []string{"type"})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxengine_frames_sent_total",
		Help: "Outbound frames across all connections",
	})

	SlowConsumerCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxengine_slow_consumer_closes_total",
		Help: "Connections closed under the slow-consumer policy",
	})

	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxengine_protocol_violations_total",
		Help: "Malformed or oversized frames that forced a disconnect",
	})
)

// Bulletin board metrics
var (
	BoardUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxengine_board_updates_total",
		Help: "Bulletin board update calls",
	})

	BoardWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fxengine_board_write_duration_ms",
		Help:    "Full multi-format board write duration in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
	})

	BoardEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxengine_board_evictions_total",
		Help: "Signals evicted from the board by reason",
	}, []string{"reason"})
)

// Ledger metrics
var (
	AccountEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxengine_account_equity",
		Help: "Last reported account equity",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxengine_open_positions",
		Help: "Open positions tracked by the ledger",
	})

	ClosedTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxengine_closed_trades_total",
		Help: "Trades moved from open positions to the closed set",
	})

	WinRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxengine_win_rate",
		Help: "Win rate over closed trades (0.0 to 1.0)",
	})
)

// RecordTaskOutcome records one per-symbol task result.
func RecordTaskOutcome(symbol, kind string, durationMs float64) {
	SymbolTaskOutcomes.WithLabelValues(symbol, kind).Inc()
	SymbolTaskDuration.WithLabelValues(symbol).Observe(durationMs)
}

// RecordSignal records a generated signal.
func RecordSignal(symbol, side string, confidence float64) {
	SignalsGenerated.WithLabelValues(symbol, side).Inc()
	SignalConfidence.Observe(confidence)
}

// RecordRejection records a candidate dropped at a pipeline stage.
func RecordRejection(stage string) {
	SignalsRejected.WithLabelValues(stage).Inc()
}

// RecordInboundFrame records an inbound EA frame.
func RecordInboundFrame(msgType string) {
	FramesReceived.WithLabelValues(msgType).Inc()
}
