// Package threed provides the image-to-3D reconstruction job queue client.
package threed

import (
	"errors"
	"strings"
)

// Job status values reported by the queue
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusError      = "ERROR"
)

// ErrSuperseded is returned when the caller's generation is no longer current.
// It is not a user-visible failure; callers drop it silently.
var ErrSuperseded = errors.New("reconstruction superseded")

// Guard reports whether the caller's generation is still current
type Guard func() bool

// SubmitRequest 任务提交体：三个视角的图像 URL
type SubmitRequest struct {
	FrontImageURL string `json:"front_image_url"`
	BackImageURL  string `json:"back_image_url"`
	LeftImageURL  string `json:"left_image_url"`
	TexturedMesh  bool   `json:"textured_mesh"`
}

// Job 提交成功后队列返回的三个端点
type Job struct {
	RequestID   string `json:"request_id,omitempty"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
	CancelURL   string `json:"cancel_url"`
}

// LogEntry 队列日志行
type LogEntry struct {
	Message string `json:"message"`
}

// StatusResponse 状态查询响应
type StatusResponse struct {
	Status string     `json:"status"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// MeshFile 结果中的网格文件
type MeshFile struct {
	URL         *string `json:"url"`
	ContentType string  `json:"content_type,omitempty"`
	FileSize    int64   `json:"file_size,omitempty"`
}

// ResultResponse 结果查询响应
type ResultResponse struct {
	Status    string     `json:"status,omitempty"`
	ModelMesh *MeshFile  `json:"model_mesh"`
	Logs      []LogEntry `json:"logs,omitempty"`
}

// MeshURL 返回网格 URL；缺失或为 null 时返回空串
func (r *ResultResponse) MeshURL() string {
	if r == nil || r.ModelMesh == nil || r.ModelMesh.URL == nil {
		return ""
	}
	return *r.ModelMesh.URL
}

// joinLogs 以换行拼接非空日志消息
func joinLogs(logs []LogEntry) string {
	lines := make([]string, 0, len(logs))
	for _, l := range logs {
		if l.Message != "" {
			lines = append(lines, l.Message)
		}
	}
	return strings.Join(lines, "\n")
}
