package event

// FullMode governs EventPipeline behavior when the bounded channel is
// at capacity.
type FullMode int

const (
	// DropOldest evicts the oldest queued entry to make room, never
	// blocking the producer.
	DropOldest FullMode = iota
	// Wait suspends the producer (cooperatively) until space is free.
	Wait
)

// PipelinePolicy configures an EventPipeline.
type PipelinePolicy struct {
	Capacity      int
	FullMode      FullMode
	EnableMetrics bool
}

// Named presets.
var (
	PolicyDefault = PipelinePolicy{Capacity: 100_000, FullMode: DropOldest, EnableMetrics: true}

	PolicyHighThroughput = PipelinePolicy{Capacity: 50_000, FullMode: DropOldest, EnableMetrics: true}

	PolicyMessageBuffer = PipelinePolicy{Capacity: 50_000, FullMode: DropOldest, EnableMetrics: true}

	PolicyMaintenanceQueue = PipelinePolicy{Capacity: 100, FullMode: Wait, EnableMetrics: false}

	PolicyLogging = PipelinePolicy{Capacity: 1_000, FullMode: DropOldest, EnableMetrics: false}

	PolicyCompletionQueue = PipelinePolicy{Capacity: 500, FullMode: Wait, EnableMetrics: false}
)
