// Package jobs は変換ジョブの投入・実行・状態管理を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/notebook-forge/internal/config"
	"github.com/yourusername/notebook-forge/internal/notebook"
)

const (
	taskTypeConvert = "notebook:convert"
	queueName       = "conversion"
)

// Converter はノートブックを PDF に変換します。
type Converter interface {
	RunJob(ctx context.Context, in notebook.JobInput, reporter notebook.ProgressReporter) (*notebook.Result, error)
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	cfg       *config.Config
	client    enqueuer
	server    *asynq.Server
	mux       *asynq.ServeMux
	store     RecordStore
	converter Converter
	logger    *zap.Logger
	now       func() time.Time
}

// TaskPayload は変換ジョブのペイロードです。
type TaskPayload struct {
	ID int64 `json:"id"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, converter Converter, store RecordStore, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger: logger.Named("asynq").Sugar(),
		},
	)

	m, err := newManager(cfg, converter, store, asynq.NewClient(opt), logger)
	if err != nil {
		return nil, err
	}
	m.server = server
	return m, nil
}

func newManager(cfg *config.Config, converter Converter, store RecordStore, client enqueuer, logger *zap.Logger) (*Manager, error) {
	if converter == nil {
		return nil, errors.New("converter is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:       cfg,
		client:    client,
		mux:       asynq.NewServeMux(),
		store:     store,
		converter: converter,
		logger:    logger,
		now:       time.Now,
	}
	m.mux.HandleFunc(taskTypeConvert, m.handleConvertTask)
	return m, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	if m.server == nil {
		return
	}
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error("asynq server stopped with error", zap.Error(err))
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.server != nil {
		m.server.Shutdown()
	}
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// Submit は pending の記録を作成し、変換タスクをキューに投入します。
// 投入に失敗した場合は記録を failed にして、その記録とエラーを返します。
func (m *Manager) Submit(ctx context.Context, upload *notebook.Upload) (*Record, error) {
	if upload == nil {
		return nil, fmt.Errorf("upload is nil")
	}

	record := &Record{
		OriginalFilename: upload.OriginalFilename,
		NotebookKey:      upload.NotebookKey,
		Status:           StatusPending,
		Progress: ProgressInfo{
			Percent: 0,
			Stage:   "queued",
		},
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}

	if err := m.enqueue(ctx, record.ID); err != nil {
		message := "Failed to start conversion: " + err.Error()
		if failed, markErr := m.markFailed(context.WithoutCancel(ctx), record.ID, message); markErr == nil {
			record = failed
		} else {
			m.logger.Warn("failed to mark conversion as failed", zap.Int64("id", record.ID), zap.Error(markErr))
		}
		return record, err
	}

	m.logger.Info("conversion enqueued",
		zap.Int64("id", record.ID),
		zap.String("notebook", record.NotebookKey),
	)
	return record, nil
}

func (m *Manager) enqueue(ctx context.Context, id int64) error {
	if m.client == nil {
		return errors.New("queue client is not configured")
	}
	body, err := json.Marshal(&TaskPayload{ID: id})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeConvert, body, asynq.Queue(queueName))
	_, err = m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	return err
}

// GetRecord はジョブ情報を取得します。存在しない場合は (nil, nil) を返します。
func (m *Manager) GetRecord(ctx context.Context, id int64) (*Record, error) {
	return m.store.Get(ctx, id)
}

// ListRecords はジョブ情報を新しい順に返します。
func (m *Manager) ListRecords(ctx context.Context) ([]*Record, error) {
	return m.store.List(ctx)
}

// DeleteRecord はジョブ情報を削除し、削除前の内容を返します。
func (m *Manager) DeleteRecord(ctx context.Context, id int64) (*Record, error) {
	return m.store.Delete(ctx, id)
}

func (m *Manager) handleConvertTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if payload.ID <= 0 {
		return fmt.Errorf("missing id in payload")
	}
	return m.process(ctx, payload.ID)
}

// process は 1 件の変換を実行します。変換自体の失敗は記録に残し、nil を返します。
func (m *Manager) process(ctx context.Context, id int64) error {
	logger := m.logger.With(zap.Int64("id", id))

	record, err := m.store.Update(ctx, id, func(r *Record) error {
		return r.transition(StatusProcessing, func(r *Record) {
			r.Progress = ProgressInfo{Percent: 0, Stage: "load"}
		})
	})
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Warn("conversion record no longer exists")
		return nil
	case errors.Is(err, ErrInvalidTransition):
		logger.Info("conversion already finished, skipping")
		return nil
	case err != nil:
		return err
	}

	result, err := m.converter.RunJob(ctx, notebook.JobInput{
		NotebookKey:      record.NotebookKey,
		OriginalFilename: record.OriginalFilename,
	}, func(stage string, percent int) {
		m.updateProgress(ctx, id, ProgressInfo{Percent: percent, Stage: stage})
	})
	if err != nil {
		logger.Error("conversion failed", zap.Error(err))
		_, markErr := m.markFailed(context.WithoutCancel(ctx), id, failureMessage(err))
		return ignoreFinished(markErr)
	}

	convertedAt := m.now().UTC()
	_, err = m.store.Update(ctx, id, func(r *Record) error {
		return r.transition(StatusCompleted, func(r *Record) {
			r.PDFKey = result.PDFKey
			r.Pages = result.Pages
			r.Progress = ProgressInfo{Percent: 100, Stage: "completed"}
			r.ErrorMessage = ""
			r.ConvertedAt = &convertedAt
		})
	})
	if err != nil {
		return ignoreFinished(err)
	}
	logger.Info("conversion completed", zap.String("pdf", result.PDFKey), zap.Int("pages", result.Pages))
	return nil
}

func (m *Manager) updateProgress(ctx context.Context, id int64, progress ProgressInfo) {
	_, err := m.store.Update(ctx, id, func(r *Record) error {
		if r.Status.Terminal() {
			return ErrInvalidTransition
		}
		r.Progress = progress
		return nil
	})
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		m.logger.Warn("failed to update progress", zap.Int64("id", id), zap.Error(err))
	}
}

func (m *Manager) markFailed(ctx context.Context, id int64, message string) (*Record, error) {
	return m.store.Update(ctx, id, func(r *Record) error {
		return r.transition(StatusFailed, func(r *Record) {
			r.ErrorMessage = message
			r.Progress = ProgressInfo{Percent: 0, Stage: "failed"}
		})
	})
}

// failureMessage は記録に残すエラーメッセージを組み立てます。
func failureMessage(err error) string {
	var nbErr *notebook.Error
	if errors.As(err, &nbErr) {
		return nbErr.Message
	}
	return err.Error()
}

// ignoreFinished は記録が既に終端状態か削除済みの場合のエラーを無視します。
func ignoreFinished(err error) error {
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
