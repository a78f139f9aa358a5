package syncengine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/connector/core"
	"github.com/nimbusuite/hub/pkg/connector/registry"
	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/httpx"
	"github.com/nimbusuite/hub/pkg/logger"
	"github.com/nimbusuite/hub/pkg/metrics"
	"github.com/nimbusuite/hub/pkg/models"
	"github.com/nimbusuite/hub/pkg/ratelimit"
	"github.com/nimbusuite/hub/pkg/store"
)

// defaultBatchSize is how many records process between cancellation checks
const defaultBatchSize = 100

// StoredRecord is the local copy of a synchronized record
type StoredRecord struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	Fields     Record `json:"fields"`
}

func recordKey(entityType, id string) string {
	return entityType + ":" + id
}

// Engine executes sync jobs: fetch, transform, load, resolve
type Engine struct {
	store       store.Store
	credentials core.CredentialSource
	limiter     *ratelimit.Limiter
	http        *httpx.Client
	logger      *zap.Logger

	tieBreak  MergeTieBreak
	batchSize int

	// newConnector is swappable for tests
	newConnector func(env *core.Env) (core.Connector, error)
}

// NewEngine creates a sync engine
func NewEngine(s store.Store, credentials core.CredentialSource, limiter *ratelimit.Limiter, client *httpx.Client, log *zap.Logger) *Engine {
	return &Engine{
		store:        s,
		credentials:  credentials,
		limiter:      limiter,
		http:         client,
		logger:       log.With(zap.String("component", "sync_engine")),
		tieBreak:     TieBreakSource,
		batchSize:    defaultBatchSize,
		newConnector: registry.Create,
	}
}

// SetTieBreak overrides the merge tie-break side
func (e *Engine) SetTieBreak(tb MergeTieBreak) { e.tieBreak = tb }

// SetBatchSize overrides how many records process between cancellation checks
func (e *Engine) SetBatchSize(n int) {
	if n > 0 {
		e.batchSize = n
	}
}

// SetConnectorFactory overrides connector construction (tests)
func (e *Engine) SetConnectorFactory(fn func(env *core.Env) (core.Connector, error)) {
	e.newConnector = fn
}

// Execute runs one sync job through its lifecycle. Per-record failures are
// recorded on the job without aborting it; only a fatal top-level failure
// (cannot fetch at all) ends the job as failed.
func (e *Engine) Execute(ctx context.Context, jobID string) error {
	job, err := store.Get[models.SyncJob](ctx, e.store, store.CollSyncJobs, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.SyncJobPending {
		return errors.Newf(errors.ErrorTypeValidation, "job %s is %s, not pending", jobID, job.Status)
	}

	now := time.Now().UTC()
	err = store.Mutate(ctx, e.store, store.CollSyncJobs, jobID, func(j *models.SyncJob) error {
		if j.Status != models.SyncJobPending {
			return errors.Newf(errors.ErrorTypeConflict, "job %s already picked up", jobID)
		}
		j.Status = models.SyncJobRunning
		j.StartedAt = &now
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	ctx = context.WithValue(ctx, logger.JobIDKey, jobID)
	log := e.logger.With(zap.String("job_id", jobID), zap.String("direction", string(job.Direction)))
	log.Info("sync job started", zap.String("entity_type", job.EntityType))

	job.Status = models.SyncJobRunning
	job.StartedAt = &now

	runErr := e.run(ctx, job, log)
	return e.finalize(ctx, job, now, runErr, log)
}

// errCancelled signals cooperative cancellation between batches
var errCancelled = errors.New(errors.ErrorTypeSync, "job cancelled")

func (e *Engine) run(ctx context.Context, job *models.SyncJob, log *zap.Logger) error {
	conn, err := e.buildConnector(ctx, job)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	var mapping *models.FieldMapping
	if job.FieldMappingID != "" {
		mapping, err = store.Get[models.FieldMapping](ctx, e.store, store.CollFieldMappings, job.FieldMappingID)
		if err != nil {
			return err
		}
	}

	var external []Record
	if job.Direction == models.SyncInbound || job.Direction == models.SyncBidirectional {
		external, err = e.fetchExternal(ctx, conn, job)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeSync, "fetch external records")
		}
	}

	var local []Record
	if job.Direction == models.SyncOutbound || job.Direction == models.SyncBidirectional {
		local, err = e.listLocal(ctx, job.EntityType)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeSync, "fetch local records")
		}
	}

	switch job.Direction {
	case models.SyncInbound:
		return e.runInbound(ctx, job, mapping, external, log)
	case models.SyncOutbound:
		return e.runOutbound(ctx, conn, job, mapping, local, log)
	case models.SyncBidirectional:
		return e.runBidirectional(ctx, conn, job, mapping, external, local, log)
	}
	return errors.Newf(errors.ErrorTypeConfig, "unknown sync direction %q", job.Direction)
}

// runInbound upserts external records into the local store
func (e *Engine) runInbound(ctx context.Context, job *models.SyncJob, mapping *models.FieldMapping, external []Record, log *zap.Logger) error {
	job.TotalRecords = len(external)

	for i, rec := range external {
		if i%e.batchSize == 0 {
			if e.cancelled(ctx, job.ID) {
				return errCancelled
			}
		}

		job.ProcessedRecords++

		id := recordID(rec)
		if id == "" {
			e.recordFailure(job, "", "record has no id", log)
			continue
		}

		transformed, err := ApplyMapping(mapping, rec)
		if err != nil {
			e.recordFailure(job, id, err.Error(), log)
			continue
		}

		if err := e.writeLocal(ctx, job.EntityType, id, transformed); err != nil {
			e.recordFailure(job, id, err.Error(), log)
			continue
		}
		job.SuccessfulRecords++
	}

	return nil
}

// runOutbound pushes local records to the external service
func (e *Engine) runOutbound(ctx context.Context, conn core.Connector, job *models.SyncJob, mapping *models.FieldMapping, local []Record, log *zap.Logger) error {
	job.TotalRecords = len(local)
	reversed := ReverseMapping(mapping)

	for i, rec := range local {
		if i%e.batchSize == 0 {
			if e.cancelled(ctx, job.ID) {
				return errCancelled
			}
		}

		job.ProcessedRecords++

		id := recordID(rec)
		transformed, err := ApplyMapping(reversed, rec)
		if err != nil {
			e.recordFailure(job, id, err.Error(), log)
			continue
		}

		if err := e.pushExternal(ctx, conn, job.EntityType, "", transformed); err != nil {
			e.recordFailure(job, id, err.Error(), log)
			continue
		}
		job.SuccessfulRecords++
	}

	return nil
}

// runBidirectional diffs both sides and reconciles overlaps
func (e *Engine) runBidirectional(ctx context.Context, conn core.Connector, job *models.SyncJob, mapping *models.FieldMapping, external, local []Record, log *zap.Logger) error {
	externalByID := indexByID(external)
	localByID := indexByID(local)
	reversed := ReverseMapping(mapping)

	job.TotalRecords = len(externalByID) + len(localByID)
	processed := 0

	check := func() bool {
		processed++
		if processed%e.batchSize == 0 {
			return e.cancelled(ctx, job.ID)
		}
		return false
	}

	for id, rec := range externalByID {
		if check() {
			return errCancelled
		}
		job.ProcessedRecords++

		localRec, both := localByID[id]
		if !both {
			transformed, err := ApplyMapping(mapping, rec)
			if err != nil {
				e.recordFailure(job, id, err.Error(), log)
				continue
			}
			if err := e.writeLocal(ctx, job.EntityType, id, transformed); err != nil {
				e.recordFailure(job, id, err.Error(), log)
				continue
			}
			job.SuccessfulRecords++
			continue
		}

		job.TotalRecords-- // counted once per pair
		if err := e.reconcile(ctx, conn, job, mapping, reversed, id, rec, localRec, log); err != nil {
			e.recordFailure(job, id, err.Error(), log)
		}
	}

	for id, rec := range localByID {
		if _, both := externalByID[id]; both {
			continue
		}
		if check() {
			return errCancelled
		}
		job.ProcessedRecords++

		transformed, err := ApplyMapping(reversed, rec)
		if err != nil {
			e.recordFailure(job, id, err.Error(), log)
			continue
		}
		if err := e.pushExternal(ctx, conn, job.EntityType, "", transformed); err != nil {
			e.recordFailure(job, id, err.Error(), log)
			continue
		}
		job.SuccessfulRecords++
	}

	return nil
}

// reconcile applies the job's conflict strategy to one record pair
func (e *Engine) reconcile(ctx context.Context, conn core.Connector, job *models.SyncJob, mapping, reversed *models.FieldMapping, id string, external, local Record, log *zap.Logger) error {
	resolution, err := ResolveConflict(job.ConflictStrategy, external, local, e.tieBreak)
	if err != nil {
		return err
	}

	switch resolution.Action {
	case ActionUpdateLocal:
		transformed, err := ApplyMapping(mapping, resolution.Record)
		if err != nil {
			return err
		}
		if err := e.writeLocal(ctx, job.EntityType, id, transformed); err != nil {
			return err
		}
		job.SuccessfulRecords++
		metrics.SyncRecords.WithLabelValues("resolved").Inc()

	case ActionUpdateExternal:
		transformed, err := ApplyMapping(reversed, resolution.Record)
		if err != nil {
			return err
		}
		if err := e.pushExternal(ctx, conn, job.EntityType, id, transformed); err != nil {
			return err
		}
		job.SuccessfulRecords++
		metrics.SyncRecords.WithLabelValues("resolved").Inc()

	case ActionSkip:
		job.SkippedRecords++
		metrics.SyncRecords.WithLabelValues("skipped").Inc()

	case ActionFlag:
		job.SkippedRecords++
		metrics.SyncRecords.WithLabelValues("flagged").Inc()
		log.Info("record flagged for manual resolution",
			zap.String("record_id", id))
	}

	return nil
}

// fetchExternal pulls all matching records through connector pagination
func (e *Engine) fetchExternal(ctx context.Context, conn core.Connector, job *models.SyncJob) ([]Record, error) {
	params := url.Values{}
	for key, value := range job.Filters {
		params.Set(key, fmt.Sprintf("%v", value))
	}

	return conn.Paginate(ctx, job.EntityType, params, core.PaginateOptions{})
}

func (e *Engine) listLocal(ctx context.Context, entityType string) ([]Record, error) {
	stored, err := store.Query(ctx, e.store, store.CollRecords, func(r *StoredRecord) bool {
		return r.EntityType == entityType
	})
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(stored))
	for _, s := range stored {
		records = append(records, s.Fields)
	}
	return records, nil
}

func (e *Engine) writeLocal(ctx context.Context, entityType, id string, fields Record) error {
	key := recordKey(entityType, id)
	rec := &StoredRecord{ID: id, EntityType: entityType, Fields: fields}

	err := e.store.Update(ctx, store.CollRecords, key, rec)
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		return e.store.Create(ctx, store.CollRecords, key, rec)
	}
	return err
}

func (e *Engine) pushExternal(ctx context.Context, conn core.Connector, entityType, id string, fields Record) error {
	if id == "" {
		_, err := conn.Request(ctx, http.MethodPost, entityType, nil, fields)
		return err
	}
	_, err := conn.Request(ctx, http.MethodPut, entityType+"/"+id, nil, fields)
	return err
}

// recordFailure tallies one failed record without aborting the job
func (e *Engine) recordFailure(job *models.SyncJob, id, reason string, log *zap.Logger) {
	job.FailedRecords++
	if id != "" {
		job.FailedRecordIDs = append(job.FailedRecordIDs, id)
	}
	metrics.SyncRecords.WithLabelValues("failed").Inc()
	log.Warn("record sync failed",
		zap.String("record_id", id),
		zap.String("reason", reason))
}

// cancelled checks the cooperative cancellation flag between batches
func (e *Engine) cancelled(ctx context.Context, jobID string) bool {
	if ctx.Err() != nil {
		return true
	}
	job, err := store.Get[models.SyncJob](ctx, e.store, store.CollSyncJobs, jobID)
	if err != nil {
		return false
	}
	return job.Status == models.SyncJobCancelled
}

// finalize persists the terminal state and completion metrics
func (e *Engine) finalize(ctx context.Context, job *models.SyncJob, startedAt time.Time, runErr error, log *zap.Logger) error {
	completed := time.Now().UTC()
	duration := completed.Sub(startedAt)

	status := models.SyncJobCompleted
	errMsg := ""
	switch {
	case runErr == errCancelled:
		status = models.SyncJobCancelled
	case runErr != nil:
		status = models.SyncJobFailed
		errMsg = runErr.Error()
	}

	// Duration and throughput are computed once here, not per record
	rps := 0.0
	if duration > 0 && job.ProcessedRecords > 0 {
		rps = float64(job.ProcessedRecords) / duration.Seconds()
	}

	err := store.Mutate(ctx, e.store, store.CollSyncJobs, job.ID, func(j *models.SyncJob) error {
		// A cancel that landed while we were finishing wins
		if j.Status == models.SyncJobCancelled && status == models.SyncJobCompleted {
			status = models.SyncJobCancelled
		}
		j.Status = status
		j.ErrorMessage = errMsg
		j.TotalRecords = job.TotalRecords
		j.ProcessedRecords = job.ProcessedRecords
		j.SuccessfulRecords = job.SuccessfulRecords
		j.FailedRecords = job.FailedRecords
		j.SkippedRecords = job.SkippedRecords
		j.FailedRecordIDs = job.FailedRecordIDs
		j.CompletedAt = &completed
		j.DurationSeconds = duration.Seconds()
		j.RecordsPerSecond = rps
		j.UpdatedAt = completed
		return nil
	})
	if err != nil {
		return err
	}

	metrics.SyncJobs.WithLabelValues(string(job.Direction), string(status)).Inc()
	metrics.SyncDuration.WithLabelValues(string(job.Direction)).Observe(duration.Seconds())

	log.Info("sync job finished",
		zap.String("status", string(status)),
		zap.Int("processed", job.ProcessedRecords),
		zap.Int("successful", job.SuccessfulRecords),
		zap.Int("failed", job.FailedRecords),
		zap.Int("skipped", job.SkippedRecords),
		zap.Duration("duration", duration))

	if status == models.SyncJobFailed {
		return runErr
	}
	return nil
}

// Job returns the current state of a sync job
func (e *Engine) Job(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return store.Get[models.SyncJob](ctx, e.store, store.CollSyncJobs, jobID)
}

// Cancel requests cooperative cancellation of a running or pending job
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	return store.Mutate(ctx, e.store, store.CollSyncJobs, jobID, func(j *models.SyncJob) error {
		if j.Terminal() {
			return errors.Newf(errors.ErrorTypeValidation, "job %s already %s", jobID, j.Status)
		}
		j.Status = models.SyncJobCancelled
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// buildConnector assembles the connector env for the job's connection
func (e *Engine) buildConnector(ctx context.Context, job *models.SyncJob) (core.Connector, error) {
	conn, err := store.Get[models.Connection](ctx, e.store, store.CollConnections, job.ConnectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status != models.ConnectionActive {
		return nil, errors.Newf(errors.ErrorTypeValidation, "connection %s is %s", conn.ID, conn.Status)
	}

	integration, err := store.Get[models.Integration](ctx, e.store, store.CollIntegrations, conn.IntegrationID)
	if err != nil {
		return nil, err
	}
	if !integration.SupportsSync {
		return nil, errors.Newf(errors.ErrorTypeValidation, "integration %s does not support sync", integration.ID)
	}

	return e.newConnector(&core.Env{
		Integration: integration,
		Connection:  conn,
		Credentials: e.credentials,
		Limiter:     e.limiter,
		HTTP:        e.http,
		Logger:      e.logger,
	})
}

func recordID(rec Record) string {
	if id, ok := rec["id"]; ok {
		return toString(id)
	}
	return ""
}

func indexByID(records []Record) map[string]Record {
	out := make(map[string]Record, len(records))
	for _, rec := range records {
		if id := recordID(rec); id != "" {
			out[id] = rec
		}
	}
	return out
}
