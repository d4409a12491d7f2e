// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue is the durable job pipeline: one Redis-backed lane per
// bridge direction, with leases for stall recovery, delayed retries and a
// dead list. Pool runs the workers that drain the lanes.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/chatbridge/worker/internal/blobstore"
	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/metrics"
	"github.com/chatbridge/worker/internal/models"
)

const (
	DefaultPrefix            = "chatbridge"
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultRetention         = 7 * 24 * time.Hour

	maintenanceBatch = 100
	deadListCap      = 10000
)

// ErrLeaseLost is returned when a worker tries to finish a job whose lease
// has been reclaimed by another worker.
var ErrLeaseLost = errors.New("queue: lease lost")

// jobNamespace seeds the deterministic job ids.
var jobNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://chatbridge.local/jobs"))

// JobID derives the job id for an idempotency key. Redeliveries of the same
// event map to the same id.
func JobID(naturalKey string) string {
	return uuid.NewSHA1(jobNamespace, []byte(naturalKey)).String()
}

// Options configures a Queue.
type Options struct {
	Prefix            string
	VisibilityTimeout time.Duration
	// Retention bounds both the job hash and the replay copy of the payload.
	Retention time.Duration
	// Blobs receives email attachment content at enqueue time. When nil,
	// content stays inline in the job.
	Blobs   blobstore.Store
	Metrics *metrics.Metrics
}

// Queue is a set of durable job lanes in Redis.
type Queue struct {
	rdb        *redis.Client
	prefix     string
	visibility time.Duration
	retention  time.Duration
	blobs      blobstore.Store
	metrics    *metrics.Metrics
	schema     *jsonschema.Schema
	now        func() time.Time
}

// New creates a queue over rdb.
func New(rdb *redis.Client, opts Options) (*Queue, error) {
	sch, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Queue{
		rdb:        rdb,
		prefix:     opts.Prefix,
		visibility: opts.VisibilityTimeout,
		retention:  opts.Retention,
		blobs:      opts.Blobs,
		metrics:    opts.Metrics,
		schema:     sch,
		now:        time.Now,
	}, nil
}

func (q *Queue) laneKey(lane models.Lane, part string) string {
	return q.prefix + ":" + string(lane) + ":" + part
}

func (q *Queue) jobPrefix() string { return q.prefix + ":job:" }

func (q *Queue) jobKey(id string) string { return q.jobPrefix() + id }

func (q *Queue) payloadKey(naturalKey string) string { return q.prefix + ":payload:" + naturalKey }

// envelope is the JSON stored in the job hash.
type envelope struct {
	ID         string          `json:"id"`
	Lane       models.Lane     `json:"lane"`
	NaturalKey string          `json:"natural_key"`
	TraceID    string          `json:"trace_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// retained is the replay copy of a payload, keyed by natural key.
type retained struct {
	Lane    models.Lane     `json:"lane"`
	Payload json.RawMessage `json:"payload"`
}

// Delivery is a leased job handed to a worker.
type Delivery struct {
	ID         string
	Lane       models.Lane
	NaturalKey string
	TraceID    string
	Attempt    int
	EnqueuedAt time.Time
	Payload    models.Payload

	// Invalid is set when the stored payload no longer decodes. Such a
	// delivery is dead-lettered without processing.
	Invalid error

	token string
}

type traceKey struct{}

// WithTraceID attaches an ingress trace id that Enqueue will carry on the
// job.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func traceIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(traceKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Enqueue validates p and adds it to lane. It returns the job id and
// whether a new job was created; false means a live job with the same id
// already exists.
func (q *Queue) Enqueue(ctx context.Context, lane models.Lane, p models.Payload) (string, bool, error) {
	if p == nil {
		return "", false, errs.Validation("payload", "required")
	}
	if p.Lane() != lane {
		return "", false, errs.Validation("lane", "payload for %s enqueued on %s", p.Lane(), lane)
	}
	if err := p.Validate(); err != nil {
		return "", false, err
	}

	p, spilled, err := q.spill(p)
	if err != nil {
		return "", false, err
	}

	created, id, err := q.enqueue(ctx, lane, p)
	if err != nil || !created {
		q.deleteBlobs(spilled)
	}
	if err != nil {
		return "", false, err
	}

	q.metrics.Enqueued(string(lane), !created)
	if created {
		slog.Info("enqueued job",
			"job_id", id,
			"lane", lane,
			"natural_key", p.NaturalKey(),
		)
	} else {
		slog.Info("job already live, skipping enqueue",
			"job_id", id,
			"lane", lane,
			"natural_key", p.NaturalKey(),
		)
	}
	return id, created, nil
}

func (q *Queue) enqueue(ctx context.Context, lane models.Lane, p models.Payload) (bool, string, error) {
	payloadJSON, err := json.Marshal(p)
	if err != nil {
		return false, "", fmt.Errorf("marshal payload: %w", err)
	}

	key := p.NaturalKey()
	id := JobID(key)
	env := envelope{
		ID:         id,
		Lane:       lane,
		NaturalKey: key,
		TraceID:    traceIDFrom(ctx),
		EnqueuedAt: q.now().UTC(),
		Payload:    payloadJSON,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false, "", fmt.Errorf("marshal envelope: %w", err)
	}
	if err := validateEnvelope(q.schema, data); err != nil {
		return false, "", errs.Validation("envelope", "%v", err)
	}

	keep, err := json.Marshal(retained{Lane: lane, Payload: payloadJSON})
	if err != nil {
		return false, "", fmt.Errorf("marshal retained payload: %w", err)
	}

	n, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.laneKey(lane, "pending"), q.laneKey(lane, "dead"), q.payloadKey(key)},
		id, data, int64(q.retention.Seconds()), keep,
	).Int()
	if err != nil {
		return false, "", fmt.Errorf("redis enqueue: %w", err)
	}
	return n == 1, id, nil
}

// spill moves inline email attachment content into the blob store and
// returns a copy of the payload that references it by path.
func (q *Queue) spill(p models.Payload) (models.Payload, []string, error) {
	email, ok := p.(*models.EmailInbound)
	if !ok || q.blobs == nil {
		return p, nil, nil
	}

	out := *email
	out.Attachments = make([]models.EmailAttachment, len(email.Attachments))
	copy(out.Attachments, email.Attachments)

	var saved []string
	for i := range out.Attachments {
		att := &out.Attachments[i]
		if len(att.Content) == 0 {
			continue
		}
		path, err := q.blobs.Save(att.Filename, bytes.NewReader(att.Content))
		if err != nil {
			q.deleteBlobs(saved)
			return nil, nil, fmt.Errorf("spill attachment %q: %w", att.Filename, err)
		}
		saved = append(saved, path)
		if att.Size == 0 {
			att.Size = int64(len(att.Content))
		}
		att.StoragePath = path
		att.Content = nil
	}
	return &out, saved, nil
}

func (q *Queue) deleteBlobs(paths []string) {
	if q.blobs == nil {
		return
	}
	for _, path := range paths {
		if err := q.blobs.Delete(path); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			slog.Warn("failed to delete attachment blob", "path", path, "error", err)
		}
	}
}

func blobPaths(p models.Payload) []string {
	email, ok := p.(*models.EmailInbound)
	if !ok {
		return nil
	}
	var paths []string
	for _, att := range email.Attachments {
		if att.StoragePath != "" {
			paths = append(paths, att.StoragePath)
		}
	}
	return paths
}

// Dequeue leases the oldest pending job on lane. It returns nil, nil when
// the lane is empty.
func (q *Queue) Dequeue(ctx context.Context, lane models.Lane) (*Delivery, error) {
	token := uuid.NewString()
	deadline := q.now().Add(q.visibility).UnixMilli()

	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.laneKey(lane, "pending"), q.laneKey(lane, "active"), q.laneKey(lane, "leases")},
		deadline, q.jobPrefix(), token,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis dequeue: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("redis dequeue: unexpected reply of %d elements", len(res))
	}

	id, _ := res[0].(string)
	data, _ := res[1].(string)
	attempt, _ := res[2].(int64)

	d := &Delivery{ID: id, Lane: lane, Attempt: int(attempt), token: token}

	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		d.Invalid = fmt.Errorf("decode envelope: %w", err)
		return d, nil
	}
	d.NaturalKey = env.NaturalKey
	d.TraceID = env.TraceID
	d.EnqueuedAt = env.EnqueuedAt

	p, err := models.DecodePayload(lane, env.Payload)
	if err != nil {
		d.Invalid = err
		return d, nil
	}
	d.Payload = p
	return d, nil
}

// Ack removes a completed job and its attachment blobs.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	n, err := ackScript.Run(ctx, q.rdb,
		[]string{q.jobKey(d.ID), q.laneKey(d.Lane, "active"), q.laneKey(d.Lane, "leases")},
		d.ID, d.token,
	).Int()
	if err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	q.deleteBlobs(blobPaths(d.Payload))
	return nil
}

// Retry schedules d to run again after delay.
func (q *Queue) Retry(ctx context.Context, d *Delivery, delay time.Duration, cause error) error {
	return q.reschedule(ctx, d, delay, cause, false)
}

// Defer schedules d to run again after delay without using up an
// attempt. It is for jobs waiting on another job rather than failing.
func (q *Queue) Defer(ctx context.Context, d *Delivery, delay time.Duration, cause error) error {
	return q.reschedule(ctx, d, delay, cause, true)
}

func (q *Queue) reschedule(ctx context.Context, d *Delivery, delay time.Duration, cause error, refund bool) error {
	due := q.now().Add(delay).UnixMilli()
	flag := "0"
	if refund {
		flag = "1"
	}
	n, err := retryScript.Run(ctx, q.rdb,
		[]string{q.jobKey(d.ID), q.laneKey(d.Lane, "active"), q.laneKey(d.Lane, "leases"), q.laneKey(d.Lane, "delayed")},
		d.ID, d.token, due, errString(cause), flag,
	).Int()
	if err != nil {
		return fmt.Errorf("redis retry: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeadLetter parks d on the dead list. Its blobs are kept so the
// retained payload can still be replayed.
// TODO: sweep blobs referenced only by dead jobs whose payload copy has expired.
func (q *Queue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	n, err := deadScript.Run(ctx, q.rdb,
		[]string{q.jobKey(d.ID), q.laneKey(d.Lane, "active"), q.laneKey(d.Lane, "leases"), q.laneKey(d.Lane, "dead")},
		d.ID, d.token, reason, int64(q.retention.Seconds()), deadListCap,
	).Int()
	if err != nil {
		return fmt.Errorf("redis dead-letter: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Extend renews the lease on d for another visibility timeout.
func (q *Queue) Extend(ctx context.Context, d *Delivery) error {
	deadline := q.now().Add(q.visibility).UnixMilli()
	n, err := extendScript.Run(ctx, q.rdb,
		[]string{q.jobKey(d.ID), q.laneKey(d.Lane, "leases")},
		d.ID, d.token, deadline,
	).Int()
	if err != nil {
		return fmt.Errorf("redis extend lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release gives back the attempt d is running under without settling it.
// The job is left active for reclaim once its lease expires.
func (q *Queue) Release(ctx context.Context, d *Delivery) error {
	n, err := releaseScript.Run(ctx, q.rdb, []string{q.jobKey(d.ID)}, d.token).Int()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// VisibilityTimeout is the lease length given to dequeued jobs.
func (q *Queue) VisibilityTimeout() time.Duration { return q.visibility }

// Promote moves delayed jobs whose retry time has come back to pending.
func (q *Queue) Promote(ctx context.Context, lane models.Lane) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.laneKey(lane, "delayed"), q.laneKey(lane, "pending")},
		q.now().UnixMilli(), q.jobPrefix(), maintenanceBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis promote: %w", err)
	}
	return n, nil
}

// Reclaim returns jobs whose lease expired (worker crashed, panicked or
// hung) to pending. The attempt counter is not reset.
func (q *Queue) Reclaim(ctx context.Context, lane models.Lane) (int, error) {
	n, err := reclaimScript.Run(ctx, q.rdb,
		[]string{q.laneKey(lane, "leases"), q.laneKey(lane, "active"), q.laneKey(lane, "pending")},
		q.now().UnixMilli(), q.jobPrefix(), maintenanceBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis reclaim: %w", err)
	}
	q.metrics.Reclaimed(string(lane), n)
	return n, nil
}

// Retained loads the replay copy of the payload stored for naturalKey.
func (q *Queue) Retained(ctx context.Context, naturalKey string) (models.Payload, error) {
	data, err := q.rdb.Get(ctx, q.payloadKey(naturalKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.NotFound("retained payload", naturalKey)
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET payload: %w", err)
	}

	var r retained
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode retained payload: %w", err)
	}
	return models.DecodePayload(r.Lane, r.Payload)
}

// Requeue enqueues the retained payload for naturalKey again. It fails
// with a not-found error once the retention period has passed.
func (q *Queue) Requeue(ctx context.Context, naturalKey string) (string, error) {
	p, err := q.Retained(ctx, naturalKey)
	if err != nil {
		return "", err
	}
	id, created, err := q.Enqueue(ctx, p.Lane(), p)
	if err != nil {
		return "", err
	}
	if !created {
		return id, &errs.IdempotencyError{Key: naturalKey}
	}
	return id, nil
}

// Depth is the number of jobs in each state of a lane.
type Depth struct {
	Pending int64
	Active  int64
	Delayed int64
	Dead    int64
}

// Depth reports lane sizes and publishes them as gauges.
func (q *Queue) Depth(ctx context.Context, lane models.Lane) (Depth, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.laneKey(lane, "pending"))
	active := pipe.LLen(ctx, q.laneKey(lane, "active"))
	delayed := pipe.ZCard(ctx, q.laneKey(lane, "delayed"))
	dead := pipe.LLen(ctx, q.laneKey(lane, "dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("redis queue depth: %w", err)
	}

	d := Depth{
		Pending: pending.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}
	q.metrics.SetQueueDepth(string(lane), "pending", d.Pending)
	q.metrics.SetQueueDepth(string(lane), "active", d.Active)
	q.metrics.SetQueueDepth(string(lane), "delayed", d.Delayed)
	q.metrics.SetQueueDepth(string(lane), "dead", d.Dead)
	return d, nil
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
