package service

import (
	"context"
	"errors"
	"fmt"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/model"
	"hanbok-fusion/app/notify"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UpdateOptions 状态迁移时附带写入的字段，空值表示不修改
type UpdateOptions struct {
	ResultURL     string
	ErrorMessage  string
	ExternalJobID string
}

// TaskStore 任务持久化，所有写操作都经过这里
type TaskStore struct {
	db       *gorm.DB
	notifier notify.Notifier
	log      *logger.Logger
}

// NewTaskStore 创建任务存储
func NewTaskStore(db *gorm.DB, notifier notify.Notifier, log *logger.Logger) *TaskStore {
	return &TaskStore{
		db:       db,
		notifier: notifier,
		log:      log,
	}
}

// Create 创建处理中的任务，同一输入组合下旧的有效任务会被标记为失效
func (s *TaskStore) Create(ctx context.Context, ownerID, sourceURL, targetURL string) (*model.HanbokTask, error) {
	task := &model.HanbokTask{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Status:         model.TaskStatusProcessing,
		SourceImageURL: sourceURL,
		TargetImageURL: targetURL,
		IsActive:       true,
	}
	task.UserImageID, task.PresetID = model.DeriveImageIDs(ownerID, task.ID, sourceURL, targetURL)

	var superseded []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockTaskKey(tx, ownerID, sourceURL, targetURL); err != nil {
			return err
		}

		if err := tx.Model(&model.HanbokTask{}).
			Where("owner_id = ? AND source_image_url = ? AND target_image_url = ? AND is_active = ?", ownerID, sourceURL, targetURL, true).
			Pluck("id", &superseded).Error; err != nil {
			return err
		}

		if len(superseded) > 0 {
			if err := tx.Model(&model.HanbokTask{}).
				Where("id IN ?", superseded).
				Update("is_active", false).Error; err != nil {
				return err
			}
		}

		return tx.Create(task).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: 创建任务失败: %w", model.ErrPersistence, err)
	}

	// 被替代的任务对订阅者来说已经不存在了
	for _, id := range superseded {
		s.log.Infof("任务已被新请求替代: TaskID=%s, NewTaskID=%s", id, task.ID)
		s.notifier.Publish(ctx, id)
	}

	return task, nil
}

// lockTaskKey 串行化同一输入组合的创建，避免并发创建后出现多个有效任务。
// postgres 使用事务级 advisory lock；sqlite 只有一个写连接，本身已经串行。
func lockTaskKey(tx *gorm.DB, ownerID, sourceURL, targetURL string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	key := ownerID + "|" + sourceURL + "|" + targetURL
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", key).Error
}

// Get 查询属于 ownerID 的有效任务，不存在、已失效或不属于该用户都返回 ErrNotFound
func (s *TaskStore) Get(ctx context.Context, id, ownerID string) (*model.HanbokTask, error) {
	var task model.HanbokTask
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ? AND is_active = ?", id, ownerID, true).
		First(&task).Error
	if err != nil {
		return nil, s.wrapQueryError(err)
	}
	return &task, nil
}

// Lookup 按ID查询有效任务，不校验所属用户，仅供回调使用
func (s *TaskStore) Lookup(ctx context.Context, id string) (*model.HanbokTask, error) {
	var task model.HanbokTask
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", id, true).
		First(&task).Error
	if err != nil {
		return nil, s.wrapQueryError(err)
	}
	return &task, nil
}

// FindCached 返回该输入组合下最近创建的有效任务（不论状态），没有时返回 nil
func (s *TaskStore) FindCached(ctx context.Context, ownerID, sourceURL, targetURL string) (*model.HanbokTask, error) {
	var tasks []model.HanbokTask
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND source_image_url = ? AND target_image_url = ? AND is_active = ?", ownerID, sourceURL, targetURL, true).
		Order("created_at DESC").
		Limit(1).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("%w: 查询缓存任务失败: %w", model.ErrPersistence, err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// UpdateStatus 把处理中的任务迁移到 status。
// 条件更新保证终态任务不会被再次修改，processing -> processing 用于记录推理服务的任务ID。
func (s *TaskStore) UpdateStatus(ctx context.Context, id string, status model.TaskStatus, opts UpdateOptions) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: 未知的任务状态 %q", model.ErrInvalidInput, status)
	}

	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now(),
	}
	if status == model.TaskStatusCompleted && opts.ResultURL != "" {
		updates["result_url"] = opts.ResultURL
	}
	if status.IsFailure() && opts.ErrorMessage != "" {
		updates["error_message"] = opts.ErrorMessage
	}
	if opts.ExternalJobID != "" {
		updates["external_job_id"] = opts.ExternalJobID
	}

	db := s.db.WithContext(ctx)
	result := db.Model(&model.HanbokTask{}).
		Where("id = ? AND is_active = ? AND status = ?", id, true, model.TaskStatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("%w: 更新任务状态失败: %w", model.ErrPersistence, result.Error)
	}

	if result.RowsAffected == 0 {
		var count int64
		if err := db.Model(&model.HanbokTask{}).Where("id = ? AND is_active = ?", id, true).Count(&count).Error; err != nil {
			return fmt.Errorf("%w: 查询任务失败: %w", model.ErrPersistence, err)
		}
		if count == 0 {
			return model.ErrNotFound
		}
		return fmt.Errorf("%w: 任务 %s 已处于终态", model.ErrInvalidTransition, id)
	}

	s.notifier.Publish(ctx, id)
	return nil
}

// ListStale 查询在 cutoff 之后没有任何更新的处理中任务
func (s *TaskStore) ListStale(ctx context.Context, cutoff time.Time) ([]model.HanbokTask, error) {
	var tasks []model.HanbokTask
	err := s.db.WithContext(ctx).
		Where("status = ? AND is_active = ? AND updated_at < ?", model.TaskStatusProcessing, true, cutoff).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("%w: 查询超时任务失败: %w", model.ErrPersistence, err)
	}
	return tasks, nil
}

func (s *TaskStore) wrapQueryError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	return fmt.Errorf("%w: 查询任务失败: %w", model.ErrPersistence, err)
}
