package telemetry

// Histogram bucket definitions
var (
	// IngestBuckets for ground bulk loads over the satellite link
	IngestBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

	// HandlerBuckets for command handler durations
	HandlerBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600}
)

// Task fabric
var (
	// TaskIterationsTotal counts task iterations by task and result (ok, error, paused)
	TaskIterationsTotal CounterVec = noopCounterVec{}

	// TasksRunning tracks the number of running periodic tasks
	TasksRunning Gauge = NoopStat{}

	// PauseAsserted is 1 while the pause signal lets work through, 0 while held
	PauseAsserted Gauge = NoopStat{}

	// EngineRebuildsTotal counts supervisor teardown/rebuild cycles by reason
	EngineRebuildsTotal CounterVec = noopCounterVec{}
)

// Synchronisation
var (
	// ExportsTotal counts export_table outcomes by table and result (none, ready, already_ready, error)
	ExportsTotal CounterVec = noopCounterVec{}

	// IngestsTotal counts ground ingests by table and result (ok, failed, offline)
	IngestsTotal CounterVec = noopCounterVec{}

	// IngestDurationSeconds measures ground ingest latency by table
	IngestDurationSeconds HistogramVec = noopHistogramVec{}

	// GroundCommandsPulled counts commands pulled from the ground copy
	GroundCommandsPulled Counter = NoopStat{}
)

// Commands
var (
	// CommandsTotal counts dispatched commands by route (builtin, module, unknown) and final state
	CommandsTotal CounterVec = noopCounterVec{}

	// HandlerDurationSeconds measures handler latency by route
	HandlerDurationSeconds HistogramVec = noopHistogramVec{}

	// ChildrenLive tracks live handler child processes
	ChildrenLive Gauge = NoopStat{}
)

// Beacon
var (
	// BeaconTransmissionsTotal counts beacon sends by packet type and encoding (ascii, binary)
	BeaconTransmissionsTotal CounterVec = noopCounterVec{}

	// BeaconSkippedTotal counts skipped emission groups by reason
	BeaconSkippedTotal CounterVec = noopCounterVec{}

	// AlarmTriggersTotal counts alarm packet emissions
	AlarmTriggersTotal Counter = NoopStat{}
)

// Events
var (
	// EventsPublishedTotal counts published events by sink and result
	EventsPublishedTotal CounterVec = noopCounterVec{}

	// EventsDroppedTotal counts events dropped because a sink queue was full
	EventsDroppedTotal CounterVec = noopCounterVec{}
)

// Host resources
var (
	// LocalStoreConnections tracks open/in-use/idle connections to the local store
	LocalStoreConnections GaugeVec = noopGaugeVec{}

	// DiskFreeBytes tracks free space under the export and output directories
	DiskFreeBytes GaugeVec = noopGaugeVec{}
)

func initMetrics() {
	TaskIterationsTotal = NewCounterVec(
		"task_iterations_total",
		"Periodic task iterations by task and result",
		[]string{"task", "result"},
	)
	TasksRunning = NewGauge(
		"tasks_running",
		"Number of running periodic tasks",
	)
	PauseAsserted = NewGauge(
		"pause_asserted",
		"1 while periodic work is allowed, 0 while a handler holds the fabric",
	)
	EngineRebuildsTotal = NewCounterVec(
		"engine_rebuilds_total",
		"Supervisor teardowns by reason",
		[]string{"reason"},
	)

	ExportsTotal = NewCounterVec(
		"exports_total",
		"Local export outcomes by table and result",
		[]string{"table", "result"},
	)
	IngestsTotal = NewCounterVec(
		"ingests_total",
		"Ground ingest outcomes by table and result",
		[]string{"table", "result"},
	)
	IngestDurationSeconds = NewHistogramVec(
		"ingest_duration_seconds",
		"Ground ingest duration in seconds",
		[]string{"table"},
		IngestBuckets,
	)
	GroundCommandsPulled = NewCounter(
		"ground_commands_pulled_total",
		"Commands copied from the ground store into the local queue",
	)

	CommandsTotal = NewCounterVec(
		"commands_total",
		"Dispatched commands by route and final state",
		[]string{"route", "state"},
	)
	HandlerDurationSeconds = NewHistogramVec(
		"handler_duration_seconds",
		"Command handler duration in seconds",
		[]string{"route"},
		HandlerBuckets,
	)
	ChildrenLive = NewGauge(
		"children_live",
		"Live isolated handler processes",
	)

	BeaconTransmissionsTotal = NewCounterVec(
		"beacon_transmissions_total",
		"Beacon packets handed to the simplex modem",
		[]string{"type", "encoding"},
	)
	BeaconSkippedTotal = NewCounterVec(
		"beacon_skipped_total",
		"Beacon emission groups skipped by reason",
		[]string{"reason"},
	)
	AlarmTriggersTotal = NewCounter(
		"alarm_triggers_total",
		"Alarm packet emissions",
	)

	EventsPublishedTotal = NewCounterVec(
		"events_published_total",
		"Events published by sink and result",
		[]string{"sink", "result"},
	)
	EventsDroppedTotal = NewCounterVec(
		"events_dropped_total",
		"Events dropped on full sink queues",
		[]string{"sink"},
	)

	LocalStoreConnections = NewGaugeVec(
		"local_store_connections",
		"Local store connection pool by state",
		[]string{"state"},
	)
	DiskFreeBytes = NewGaugeVec(
		"disk_free_bytes",
		"Free bytes on the filesystem holding a working directory",
		[]string{"dir"},
	)
}
