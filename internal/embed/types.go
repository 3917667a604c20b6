package embed

import (
	"context"
	"time"
)

// ProviderID identifies an embedding provider family.
type ProviderID string

const (
	ProviderOpenAI ProviderID = "openai"
	ProviderGemini ProviderID = "gemini"
	ProviderVoyage ProviderID = "voyage"
	ProviderLocal  ProviderID = "local"
	ProviderNone   ProviderID = "none"
)

const (
	// DefaultQueryTimeoutRemote bounds a single embedQuery call against a
	// remote provider.
	DefaultQueryTimeoutRemote = 60 * time.Second

	// DefaultQueryTimeoutLocal bounds a single embedQuery call against the
	// local provider, which may need to warm up on first use.
	DefaultQueryTimeoutLocal = 5 * time.Minute

	// DefaultBatchTimeout bounds a single online sub-batch call.
	DefaultBatchTimeout = 60 * time.Second

	// DefaultRemoteBatchTimeout bounds polling a remote-batch job.
	DefaultRemoteBatchTimeout = 60 * time.Minute

	// DefaultBatchMaxBytes caps the cumulative byte estimate of an online
	// sub-batch (EMBEDDING_BATCH_MAX_TOKENS in byte-counting terms, per the
	// chunker's token-unit decision).
	DefaultBatchMaxBytes = 32 * 1024

	// BatchFailureLimit is the number of consecutive remote-batch failures
	// after which batch mode is disabled for the manager's lifetime.
	BatchFailureLimit = 2

	// MinBatchSize and MaxBatchSize give the range for a configured batch
	// size; the Manager does not check BatchSize against them.
	MinBatchSize = 1
	MaxBatchSize = 256

	// DefaultBatchSize matches config.DefaultConfig's BatchSize; the
	// Manager does not substitute it when BatchSize is 0.
	DefaultBatchSize = 32
)

// EmbeddingProvider is implemented by every embedding backend: the three
// remote HTTP-backed families (openai, gemini, voyage) and the local
// hash-embedding fallback.
type EmbeddingProvider interface {
	ID() ProviderID
	Model() string
	Dimensions() int

	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Available reports whether the provider is ready to serve requests.
	// The remote providers check this by embedding a one-word probe.
	Available(ctx context.Context) bool

	Close() error
}

// BatchRequest is one chunk submitted to a remote-batch job.
type BatchRequest struct {
	CustomID string
	Text     string
}

// BatchJobStatus is the lifecycle state of a remote-batch job.
type BatchJobStatus string

const (
	BatchStatusPending     BatchJobStatus = "pending"
	BatchStatusDone        BatchJobStatus = "done"
	BatchStatusFailed      BatchJobStatus = "failed"
	BatchStatusUnavailable BatchJobStatus = "unavailable"
)

// RemoteBatchProvider is implemented by providers that support
// asynchronous batch submission (§6: remote-batch adapters accept
// requests with custom_id and return custom_id → vector).
type RemoteBatchProvider interface {
	EmbeddingProvider

	// SubmitBatch materializes one remote-batch job for the given
	// requests and returns an opaque job ID.
	SubmitBatch(ctx context.Context, reqs []BatchRequest) (jobID string, err error)

	// PollBatch checks job status. When status is BatchStatusDone, results
	// maps each request's CustomID to its embedding.
	PollBatch(ctx context.Context, jobID string) (status BatchJobStatus, results map[string][]float32, err error)
}

// Status summarizes the Embedding Manager's current provider state, per
// the status() contract of §4.2.
type Status struct {
	ProviderKey       string
	Provider          ProviderID
	Model             string
	Dimensions        int
	FallbackActivated bool
	BatchEnabled      bool
	IndexConcurrency  int
}
