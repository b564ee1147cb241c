package model

import (
	"regexp"
	"strings"
	"time"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusError      TaskStatus = "error"
)

// IsTerminal 终态之后不允许任何状态迁移
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusError
}

// IsValid 检查状态值是否合法
func (s TaskStatus) IsValid() bool {
	return s == TaskStatusProcessing || s.IsTerminal()
}

// IsFailure 失败类终态
func (s TaskStatus) IsFailure() bool {
	return s == TaskStatusFailed || s == TaskStatusError
}

// HanbokTask 韩服换装任务，一次生成请求对应一行
type HanbokTask struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	OwnerID        string     `json:"owner_id" gorm:"size:64;not null;index:idx_hanbok_tasks_owner_active,priority:1;comment:所属用户ID"`
	Status         TaskStatus `json:"status" gorm:"size:20;not null;default:processing;index;comment:任务状态"`
	SourceImageURL string     `json:"source_image_url" gorm:"type:text;not null;comment:用户照片地址"`
	TargetImageURL string     `json:"target_image_url" gorm:"type:text;not null;comment:预设韩服图片地址"`
	UserImageID    string     `json:"user_image_id" gorm:"size:128;comment:从照片地址解析出的图片ID"`
	PresetID       string     `json:"preset_id" gorm:"size:255;comment:从预设地址解析出的预设ID"`
	ResultURL      string     `json:"result_url" gorm:"type:text;comment:生成结果地址"`
	ErrorMessage   string     `json:"error_message" gorm:"type:text;comment:失败原因"`
	ExternalJobID  string     `json:"external_job_id" gorm:"size:128;comment:推理服务返回的任务ID"`
	IsActive       bool       `json:"is_active" gorm:"not null;default:true;index:idx_hanbok_tasks_owner_active,priority:2"`
	CreatedAt      time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (HanbokTask) TableName() string {
	return "hanbok_tasks"
}

// TaskStatusRecord 轮询和 SSE 推送共用的状态记录
type TaskStatusRecord struct {
	TaskID       string     `json:"task_id"`
	Status       TaskStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ImageURL     string     `json:"image_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// StatusRecord 转换为对外的状态记录
func (t *HanbokTask) StatusRecord() *TaskStatusRecord {
	record := &TaskStatusRecord{
		TaskID:    t.ID,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		ImageURL:  t.ResultURL,
	}
	if t.Status.IsFailure() {
		record.ErrorMessage = t.ErrorMessage
	}
	return record
}

// HasResult 已完成且有结果地址，可以作为缓存复用
func (t *HanbokTask) HasResult() bool {
	return t.Status == TaskStatusCompleted && t.ResultURL != ""
}

var (
	userImagePattern = regexp.MustCompile(`(?i)user-images/([0-9a-f-]+)`)
	uuidPattern      = regexp.MustCompile(`(?i)([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)
)

// DeriveImageIDs 从输入地址中解析用户图片ID和预设ID，解析不到时使用默认值
func DeriveImageIDs(ownerID, taskID, sourceURL, targetURL string) (userImageID, presetID string) {
	userImageID = ownerID
	presetID = "preset-" + taskID

	if m := userImagePattern.FindStringSubmatch(sourceURL); m != nil {
		userImageID = m[1]
	}

	if strings.Contains(targetURL, "preset-images") {
		filename := targetURL[strings.LastIndex(targetURL, "/")+1:]
		filename, _, _ = strings.Cut(filename, "?")
		if filename != "" {
			if m := uuidPattern.FindStringSubmatch(filename); m != nil {
				presetID = m[1]
			} else {
				presetID = "preset-" + filename
			}
		}
	}

	return userImageID, presetID
}
