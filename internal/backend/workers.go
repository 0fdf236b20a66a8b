package backend

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Worker cadence. Uploader and retry workers wake on notify or a 1 s
// tick; the compaction worker on notify or a 5 min tick; DLQ cleanup on
// its configured interval.
const (
	workerTick     = time.Second
	compactionTick = 5 * time.Minute
)

// uploaderWorker drains up to ten upload tasks per wake-up and puts each
// to S3. Failures enqueue a retry task with attempt zero and wake the
// retry worker. The uploader never faults a user call.
func (b *Backend) uploaderWorker() {
	defer b.wg.Done()
	b.logger.Info("s3 uploader worker started")

	ticker := time.NewTicker(workerTick)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.uploadNotify:
		case <-ticker.C:
		}

		for {
			b.queueMu.Lock()
			n := len(b.uploadQueue)
			if n > 10 {
				n = 10
			}
			batch := make([]uploadTask, n)
			copy(batch, b.uploadQueue[:n])
			b.uploadQueue = b.uploadQueue[n:]
			b.queueMu.Unlock()

			if len(batch) == 0 {
				break
			}

			for _, task := range batch {
				b.uploadOne(task)
			}
		}
	}
}

func (b *Backend) uploadOne(task uploadTask) {
	data, err := json.Marshal(task.doc)
	if err != nil {
		b.logger.Error("failed to serialize document for upload", "doc_id", task.doc.DocID.String(), "error", err)
		return
	}

	key := b.vectorKey(task.doc.DocID)
	putErr := b.store.Put(b.ctx, key, data)
	if putErr == nil {
		b.metrics.update(func(m *Metrics) { m.S3Uploads++ })
		return
	}

	b.logger.Warn("s3 upload failed, enqueueing for retry", "key", key, "error", putErr)
	b.queueMu.Lock()
	b.retryQueue = append(b.retryQueue, retryTask{
		task:        task,
		attempt:     0,
		nextRetryAt: time.Now().Add(b.config.Retry.BaseBackoff),
		lastError:   putErr.Error(),
	})
	b.queueMu.Unlock()
	b.retryNotify.notify()
}

// retryWorker re-attempts failed uploads with exponential backoff,
// consulting the circuit breaker before each attempt and moving tasks to
// the DLQ on permanent errors or retry exhaustion.
func (b *Backend) retryWorker() {
	defer b.wg.Done()
	b.logger.Info("s3 retry worker started")

	ticker := time.NewTicker(workerTick)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.retryNotify:
		case <-ticker.C:
		}

		now := time.Now()
		b.queueMu.Lock()
		var ready, waiting []retryTask
		for _, task := range b.retryQueue {
			if !task.nextRetryAt.After(now) {
				ready = append(ready, task)
			} else {
				waiting = append(waiting, task)
			}
		}
		b.retryQueue = waiting
		b.queueMu.Unlock()

		for _, task := range ready {
			b.retryOne(task)
		}
	}
}

func (b *Backend) retryOne(task retryTask) {
	if b.breaker != nil && !b.breaker.ShouldAllowRequest() {
		// Circuit open: park the task and try again once the cooldown
		// may have elapsed.
		task.nextRetryAt = time.Now().Add(10 * time.Second)
		b.queueMu.Lock()
		b.retryQueue = append(b.retryQueue, task)
		b.queueMu.Unlock()
		return
	}

	data, err := json.Marshal(task.task.doc)
	if err != nil {
		b.logger.Error("failed to serialize document for retry", "doc_id", task.task.doc.DocID.String(), "error", err)
		return
	}

	putErr := b.store.Put(b.ctx, b.vectorKey(task.task.doc.DocID), data)
	if b.breaker != nil {
		b.breaker.RecordResult(putErr == nil)
	}

	if putErr == nil {
		b.logger.Info("retry succeeded", "doc_id", task.task.doc.DocID.String(), "attempts", task.attempt)
		b.metrics.update(func(m *Metrics) { m.S3Retries++ })
		return
	}

	task.attempt++
	task.lastError = putErr.Error()

	if ClassifyError(task.lastError) == ErrorPermanent {
		b.logger.Error("permanent error, moving to dlq", "doc_id", task.task.doc.DocID.String(), "error", task.lastError)
		b.moveToDLQ(task)
		return
	}
	if task.attempt >= b.config.Retry.MaxRetries {
		b.logger.Error("max retries exceeded, moving to dlq", "doc_id", task.task.doc.DocID.String())
		b.moveToDLQ(task)
		return
	}

	task.nextRetryAt = time.Now().Add(CalculateBackoff(task.attempt, b.config.Retry.BaseBackoff, b.config.Retry.MaxBackoff))
	b.queueMu.Lock()
	b.retryQueue = append(b.retryQueue, task)
	b.queueMu.Unlock()
}

func (b *Backend) moveToDLQ(task retryTask) {
	data, err := json.Marshal(task.task.doc)
	if err != nil {
		b.logger.Error("failed to serialize document for dlq", "error", err)
		return
	}
	b.dlq.Add(DLQEntry{
		DocID:        task.task.doc.DocID,
		CollectionID: task.task.collectionID,
		LastError:    task.lastError,
		Payload:      data,
		EnqueuedAt:   time.Now().UTC(),
		TTLSeconds:   b.config.DLQ.TTLSeconds,
	})
	b.metrics.update(func(m *Metrics) {
		m.S3PermanentFailures++
	})
}

// compactionWorker compacts when a trigger notification or the periodic
// tick finds a threshold crossed. Failures log and the worker continues.
func (b *Backend) compactionWorker() {
	defer b.wg.Done()
	b.logger.Info("compaction worker started")

	ticker := time.NewTicker(compactionTick)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.compactNotify:
		case <-ticker.C:
		}

		if !b.ShouldCompact() {
			continue
		}

		if err := b.Compact(context.Background()); err != nil {
			b.logger.Error("background compaction failed", "error", err)
		}
	}
}

// dlqCleanupWorker evicts expired DLQ entries on a fixed interval and
// re-persists the queue.
func (b *Backend) dlqCleanupWorker() {
	defer b.wg.Done()

	interval := time.Duration(b.config.DLQ.CleanupIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}

		if removed := b.dlq.CleanupExpired(); removed > 0 {
			b.logger.Info("dlq cleanup removed expired entries", "count", removed)
		}
		if err := b.dlq.Persist(); err != nil {
			b.logger.Error("dlq persistence failed", "error", err)
		}
	}
}
