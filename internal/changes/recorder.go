package changes

import (
	"context"
	"encoding/json"
	"log/slog"

	"companyhub/internal/platform/metrics"
	"companyhub/internal/providers"
	"companyhub/pkg/domain"
	"companyhub/pkg/requestcontext"
)

// Recorder turns a fresh payload into a change record: diff, append, publish.
type Recorder struct {
	detector  *Detector
	log       Log
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type RecorderOption func(*Recorder)

func WithPublisher(p Publisher) RecorderOption {
	return func(r *Recorder) {
		r.publisher = p
	}
}

func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) {
		r.metrics = m
	}
}

func NewRecorder(detector *Detector, log Log, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		detector: detector,
		log:      log,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends a change record when next differs structurally from
// previous and returns it; it returns nil when nothing changed. A failed
// publish is logged; the log stays the source of truth.
func (r *Recorder) Record(ctx context.Context, entityID domain.NIP, provider providers.Name, previous, next json.RawMessage) (*ChangeRecord, error) {
	cs, err := r.detector.Diff(provider, previous, next)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return nil, nil
	}

	record, err := NewChangeRecord(entityID, provider, cs, previous, next, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	if err := r.log.Append(ctx, record); err != nil {
		return nil, err
	}
	r.metrics.IncrementChange(provider.String(), string(record.Kind))
	r.logger.InfoContext(ctx, "change detected",
		"event", "change_detected",
		"provider", provider,
		"nip", entityID,
		"kind", record.Kind,
		"sections", cs.SectionNames(),
	)

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, record); err != nil {
			r.logger.WarnContext(ctx, "failed to publish change event",
				"provider", provider,
				"nip", entityID,
				"change_id", record.ID,
				"error", err,
			)
		}
	}
	return record, nil
}
