package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/audioinfo"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/upload"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobState names the stages a transcription request moves through.
type JobState string

const (
	StateIdle           JobState = "idle"
	StateAwaitingUpload JobState = "awaiting_upload"
	StateResolved       JobState = "resolved"
	StateRejected       JobState = "rejected"
	StateRunning        JobState = "running"
	StateDecoding       JobState = "decoding"
	StateResponding     JobState = "responding"
)

// Publisher receives terminal job events. A nil Publisher disables events.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Service runs one uploaded artifact through the engine.
type Service struct {
	cfg       config.EngineConfig
	resolver  *Resolver
	runner    *Runner
	publisher Publisher
	log       *slog.Logger
	tracer    trace.Tracer
	metrics   *jobMetrics
	clock     func() time.Time

	mu       sync.Mutex
	stopping bool
	jobs     sync.WaitGroup
}

func NewService(cfg config.EngineConfig, resolver *Resolver, runner *Runner, publisher Publisher, logger *slog.Logger) *Service {
	log := logger.With(slog.String("component", "transcribe.service"))
	metrics, err := newJobMetrics()
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return &Service{
		cfg:       cfg,
		resolver:  resolver,
		runner:    runner,
		publisher: publisher,
		log:       log,
		tracer:    otel.Tracer(instrumentationName),
		metrics:   metrics,
		clock:     time.Now,
	}
}

// Ready reports whether the engine could be resolved.
func (s *Service) Ready() bool {
	_, err := s.resolver.Resolve()
	return err == nil
}

// Shutdown stops the engine runner, killing any job still running, and waits
// until every in-flight job has released its artifact or ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.runner.Stop()

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for transcription jobs: %w", ctx.Err())
	}
}

func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.jobs.Add(1)
	return true
}

// Transcribe takes ownership of artifact and releases it before returning,
// whatever the outcome.
func (s *Service) Transcribe(ctx context.Context, artifact *upload.Artifact) (Result, error) {
	if !s.begin() {
		artifact.Release()
		return Result{}, errStopped
	}
	defer s.jobs.Done()
	defer artifact.Release()

	log := s.log.With(slog.String("job_id", artifact.ID))
	ctx, span := s.tracer.Start(ctx, "transcribe.job", trace.WithAttributes(
		attribute.String("scribe.job_id", artifact.ID),
		attribute.Int64("scribe.upload.bytes", artifact.Size),
	))
	defer span.End()

	s.metrics.started(ctx, artifact.Size)
	s.describeInput(span, log, artifact)

	var output Output
	result, err := s.run(ctx, span, log, artifact, &output)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.finished(ctx, outcome, output.Duration.Seconds())
	s.publish(log, artifact, result, output, err)
	return result, err
}

func (s *Service) run(ctx context.Context, span trace.Span, log *slog.Logger, artifact *upload.Artifact, output *Output) (Result, error) {
	resolution, err := s.resolver.Resolve()
	if err != nil {
		s.enter(span, log, StateRejected)
		log.Error("transcription engine unavailable", slog.String("error", err.Error()))
		return Result{}, err
	}
	s.enter(span, log, StateResolved)

	inv := NewInvocation(resolution, artifact.Path, s.cfg)
	s.enter(span, log, StateRunning)
	out, err := s.runner.Run(ctx, inv)
	*output = out
	if err != nil {
		attrs := []any{slog.String("error", err.Error()), slog.Int("exit_code", out.ExitCode)}
		var jobErr *Error
		if errors.As(err, &jobErr) && jobErr.Detail != "" {
			attrs = append(attrs, slog.String("stderr", jobErr.Detail))
		}
		log.Error("transcription engine failed", attrs...)
		return Result{}, err
	}

	s.enter(span, log, StateDecoding)
	result, err := Decode(out.Stdout)
	if err != nil {
		log.Error("transcription output rejected",
			slog.String("error", err.Error()),
			slog.String("stdout_head", head(out.Stdout, 200)))
		return Result{}, err
	}

	s.enter(span, log, StateResponding)
	attrs := []any{
		slog.String("shape", result.Shape.String()),
		slog.Int("segments", len(result.Segments)),
		slog.Int("text_length", len(result.Text)),
		slog.Duration("engine_time", out.Duration),
	}
	if result.Empty() {
		log.Warn("engine returned an empty transcript", attrs...)
	} else {
		log.Info("transcription complete", append(attrs, slog.String("preview", head([]byte(result.Text), 200)))...)
	}
	return result, nil
}

func (s *Service) enter(span trace.Span, log *slog.Logger, state JobState) {
	span.AddEvent(string(state))
	log.Debug("job state", slog.String("state", string(state)))
}

func (s *Service) describeInput(span trace.Span, log *slog.Logger, artifact *upload.Artifact) {
	if !strings.EqualFold(filepath.Ext(artifact.Name), ".wav") {
		return
	}
	file, err := artifact.Open()
	if err != nil {
		return
	}
	defer file.Close()
	info, err := audioinfo.WAV(file)
	if err != nil {
		log.Debug("wav header unreadable", slog.String("error", err.Error()))
		return
	}
	span.SetAttributes(
		attribute.Int("audio.sample_rate", info.SampleRate),
		attribute.Int("audio.channels", info.Channels),
		attribute.Float64("audio.duration_s", info.Duration.Seconds()),
	)
	log.Info("wav input",
		slog.Int("sample_rate", info.SampleRate),
		slog.Int("channels", info.Channels),
		slog.Duration("duration", info.Duration))
}

func (s *Service) publish(log *slog.Logger, artifact *upload.Artifact, result Result, output Output, jobErr error) {
	if s.publisher == nil {
		return
	}
	evt := protocol.JobEvent{
		JobID:        artifact.ID,
		Status:       protocol.StatusCompleted,
		UploadBytes:  artifact.Size,
		EngineMillis: output.Duration.Milliseconds(),
		Timestamp:    s.clock().UTC(),
	}
	subject := protocol.SubjectJobCompleted
	if jobErr != nil {
		subject = protocol.SubjectJobFailed
		evt.Status = protocol.StatusFailed
		evt.ErrorKind = string(KindOf(jobErr))
		evt.Error = PublicMessage(jobErr)
	} else {
		evt.Shape = result.Shape.String()
		evt.Segments = len(result.Segments)
		evt.TextLength = len(result.Text)
	}
	if err := s.publisher.PublishJSON(subject, evt); err != nil {
		log.Warn("failed to publish job event", slog.String("error", err.Error()))
	}
}

func head(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
