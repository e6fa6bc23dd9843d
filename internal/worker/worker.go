// Package worker serves pipeline jobs received as NATS requests.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/objectstore"
)

// DefaultJobTimeout bounds a single job, synthesis and upload included.
const DefaultJobTimeout = 10 * time.Minute

const (
	errFmtSubscribe     = "failed to subscribe to subject %s: %w"
	errFmtDrain         = "failed to drain subscription: %w"
	errFmtUnmarshalJob  = "%w: failed to unmarshal job: %w"
	errFmtDecodeRequest = "%w: failed to decode pipeline request: %w"
	errFmtDownloadText  = "%w: failed to download text for key '%s': %w"
	errFmtMarshalReply  = "failed to marshal reply: %w"
	errFmtRespond       = "failed to publish reply: %w"
	logFmtListening     = "Listening for pipeline jobs on %s (queue %q)"
	logFmtJobFailed     = "Pipeline job for workflow %s failed (%s): %v"
	logFmtJobDone       = "Pipeline job for workflow %s stored as %s"
	logFmtReplyFailed   = "Failed to reply for workflow %s: %v"
	logFmtNoReply       = "Job for workflow %s has no reply subject; result dropped"
)

var (
	// ErrNoText indicates a job with neither inline text nor a text key.
	ErrNoText = errors.New("job carries no text and no text_key")
	// ErrNoTextStore indicates a text key was sent to a worker without a text bucket.
	ErrNoTextStore = errors.New("text_key given but no text store is configured")
)

// Runner executes pipeline requests.
type Runner interface {
	Run(ctx context.Context, req core.PipelineRequest) (*core.Manifest, error)
}

// Job is the payload of a pipeline request message. Request holds a
// PipelineRequest; when its text is empty the text is read from TextKey.
type Job struct {
	Header  events.EventHeader `json:"header"`
	Request json.RawMessage    `json:"request,omitempty"`
	TextKey string             `json:"text_key,omitempty"`
}

// Reply answers a Job with either a manifest or an error.
type Reply struct {
	Header   events.EventHeader `json:"header"`
	Manifest *core.Manifest     `json:"manifest,omitempty"`
	Error    *core.ErrorBody    `json:"error,omitempty"`
}

// NatsWorker listens for pipeline jobs on a NATS subject and runs them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	queue          string
	store          core.ObjectStore
	runner         Runner
	timeout        time.Duration
	log            *logger.Logger
}

// NewNatsWorker creates a worker. store may be nil when jobs always carry inline text.
// An empty queue subscribes without a queue group.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	queue string,
	store core.ObjectStore,
	runner Runner,
	timeout time.Duration,
	log *logger.Logger,
) *NatsWorker {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		queue:          queue,
		store:          store,
		runner:         runner,
		timeout:        timeout,
		log:            log,
	}
}

// Run subscribes and serves jobs until ctx is cancelled, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	var (
		sub *nats.Subscription
		err error
	)

	if w.queue != "" {
		sub, err = w.natsConnection.QueueSubscribe(w.subject, w.queue, w.handleMessage)
	} else {
		sub, err = w.natsConnection.Subscribe(w.subject, w.handleMessage)
	}

	if err != nil {
		return fmt.Errorf(errFmtSubscribe, w.subject, err)
	}

	w.log.Info(logFmtListening, w.subject, w.queue)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf(errFmtDrain, drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	job, manifest, err := w.process(ctx, msg.Data)

	reply := Reply{Header: replyHeader(job.Header)}

	if err != nil {
		reply.Error = core.NewErrorBody(err)
		w.log.Error(logFmtJobFailed, job.Header.WorkflowID, reply.Error.Kind, err)
	} else {
		reply.Manifest = manifest
		w.log.Info(logFmtJobDone, job.Header.WorkflowID, manifest.Keys.Audio)
	}

	if msg.Reply == "" {
		w.log.Warn(logFmtNoReply, job.Header.WorkflowID)

		return
	}

	err = publishReply(msg, reply)
	if err != nil {
		w.log.Error(logFmtReplyFailed, job.Header.WorkflowID, err)
	}
}

// process decodes the job, resolves its text and runs the pipeline. The returned Job
// is populated as far as decoding got so the reply can echo its header.
func (w *NatsWorker) process(ctx context.Context, data []byte) (Job, *core.Manifest, error) {
	var job Job

	err := json.Unmarshal(data, &job)
	if err != nil {
		return job, nil, fmt.Errorf(errFmtUnmarshalJob, core.ErrValidation, err)
	}

	req := core.NewPipelineRequest()

	if len(job.Request) > 0 {
		err = json.Unmarshal(job.Request, &req)
		if err != nil {
			return job, nil, fmt.Errorf(errFmtDecodeRequest, core.ErrValidation, err)
		}
	}

	if req.Text == "" {
		req.Text, err = w.downloadText(ctx, job.TextKey)
		if err != nil {
			return job, nil, err
		}
	}

	manifest, err := w.runner.Run(ctx, req)

	return job, manifest, err
}

func (w *NatsWorker) downloadText(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", errors.Join(core.ErrValidation, ErrNoText)
	}

	if w.store == nil {
		return "", errors.Join(core.ErrValidation, ErrNoTextStore)
	}

	data, err := w.store.Download(ctx, key)
	if err != nil {
		// A missing key is the caller's mistake; anything else is the store failing.
		kind := core.ErrStorageFailure
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			kind = core.ErrValidation
		}

		return "", fmt.Errorf(errFmtDownloadText, kind, key, err)
	}

	return string(data), nil
}

func replyHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now().UTC(),
		WorkflowID: request.WorkflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}

func publishReply(msg *nats.Msg, reply Reply) error {
	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf(errFmtMarshalReply, err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf(errFmtRespond, err)
	}

	return nil
}
