package artifact

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/switchboard/switchboard/internal/protocol"
	"github.com/switchboard/switchboard/pkg/metrics"
)

const defaultUploadTimeout = 30 * time.Second

// truncatedResult is relayed inline when an upload fails: a bounded preview
// of the original result plus the upload error.
type truncatedResult struct {
	Truncated     bool   `json:"truncated"`
	ArtifactError string `json:"artifact_error"`
	OriginalSize  int    `json:"original_size"`
	Preview       string `json:"preview"`
}

// Offloader decides whether a command result is relayed inline or moved to
// object storage. A nil Offloader passes everything through unchanged.
type Offloader struct {
	store         *Store
	threshold     int
	metrics       *metrics.BrokerMetrics
	logger        *slog.Logger
	uploadTimeout time.Duration
}

// NewOffloader creates an offloader over the store. Results larger than
// threshold bytes are uploaded; the rest relay inline.
func NewOffloader(store *Store, threshold int, m *metrics.BrokerMetrics, logger *slog.Logger) *Offloader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Offloader{
		store:         store,
		threshold:     threshold,
		metrics:       m,
		logger:        logger.With("component", "artifact_offload"),
		uploadTimeout: defaultUploadTimeout,
	}
}

// MaybeOffload uploads the result when it exceeds the threshold. It returns
// the inline payload to relay and, when the upload succeeded, the artifact
// reference replacing it (the inline payload is then nil). It never fails
// the relay: an upload error falls back to a truncated inline result with an
// error note.
func (o *Offloader) MaybeOffload(ctx context.Context, commandID string, result json.RawMessage) (json.RawMessage, *protocol.ArtifactRef) {
	if o == nil || o.store == nil {
		return result, nil
	}
	if len(result) <= o.threshold {
		return result, nil
	}

	uploadCtx, cancel := context.WithTimeout(ctx, o.uploadTimeout)
	defer cancel()

	start := time.Now()
	ref, err := o.store.Put(uploadCtx, commandID, result)
	duration := time.Since(start)

	if err != nil {
		o.logger.Warn("artifact upload failed, relaying truncated result",
			"command_id", commandID,
			"size", len(result),
			"error", err)
		if o.metrics != nil {
			o.metrics.RecordArtifactUpload("error", duration.Seconds(), 0)
		}
		return o.truncate(commandID, result, err), nil
	}

	if o.metrics != nil {
		o.metrics.RecordArtifactUpload("success", duration.Seconds(), int64(len(result)))
	}

	o.logger.Info("offloaded command result",
		"command_id", commandID,
		"key", ref.Key,
		"size", ref.Size)

	return nil, ref
}

// truncate builds the inline fallback payload.
func (o *Offloader) truncate(commandID string, result json.RawMessage, cause error) json.RawMessage {
	preview := result
	if len(preview) > o.threshold {
		preview = preview[:o.threshold]
	}

	fallback, err := json.Marshal(truncatedResult{
		Truncated:     true,
		ArtifactError: cause.Error(),
		OriginalSize:  len(result),
		Preview:       string(preview),
	})
	if err != nil {
		o.logger.Error("failed to build truncated result",
			"command_id", commandID,
			"error", err)
		return json.RawMessage(`{"truncated":true,"artifact_error":"result dropped"}`)
	}

	return fallback
}
