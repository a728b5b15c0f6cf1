// Package ipc exposes daemon control over JSON-RPC on a Unix domain socket.
package ipc

import (
	"time"

	"kiln/internal/queue"
)

// QueueItem is the wire representation of a queued build.
type QueueItem struct {
	ID              int64   `json:"id"`
	RecipePath      string  `json:"recipe_path"`
	ImageRef        string  `json:"image_ref"`
	Status          string  `json:"status"`
	ManifestDigest  string  `json:"manifest_digest,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	ProgressStage   string  `json:"progress_stage,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
	ProgressMessage string  `json:"progress_message,omitempty"`
	NoCache         bool    `json:"no_cache"`
}

// FromQueueItem converts a store item to its wire form.
func FromQueueItem(item *queue.Item) QueueItem {
	return QueueItem{
		ID:              item.ID,
		RecipePath:      item.RecipePath,
		ImageRef:        item.ImageRef,
		Status:          string(item.Status),
		ManifestDigest:  item.ManifestDigest,
		ErrorMessage:    item.ErrorMessage,
		CreatedAt:       item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       item.UpdatedAt.UTC().Format(time.RFC3339),
		ProgressStage:   item.ProgressStage,
		ProgressPercent: item.ProgressPercent,
		ProgressMessage: item.ProgressMessage,
		NoCache:         item.NoCache,
	}
}

type StartRequest struct{}

type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

type StopRequest struct{}

type StopResponse struct {
	Stopped bool `json:"stopped"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Running     bool           `json:"running"`
	PID         int            `json:"pid"`
	QueueDBPath string         `json:"queue_db_path"`
	LockPath    string         `json:"lock_path"`
	QueueStats  map[string]int `json:"queue_stats"`
	LastError   string         `json:"last_error,omitempty"`
	LastItem    *QueueItem     `json:"last_item,omitempty"`
}

type BuildRequest struct {
	RecipePath string `json:"recipe_path"`
	NoCache    bool   `json:"no_cache"`
}

type BuildResponse struct {
	Item QueueItem `json:"item"`
}

type QueueListRequest struct {
	Statuses []string `json:"statuses,omitempty"`
}

type QueueListResponse struct {
	Items []QueueItem `json:"items"`
}

type QueueDescribeRequest struct {
	ID int64 `json:"id"`
}

type QueueDescribeResponse struct {
	Item QueueItem `json:"item"`
}

type QueueRemoveRequest struct {
	ID int64 `json:"id"`
}

type QueueRemoveResponse struct {
	Removed bool `json:"removed"`
}

type QueueClearRequest struct{}

type QueueClearResponse struct {
	Removed int64 `json:"removed"`
}

type QueueClearCompletedRequest struct{}

type QueueClearCompletedResponse struct {
	Removed int64 `json:"removed"`
}

type QueueClearFailedRequest struct{}

type QueueClearFailedResponse struct {
	Removed int64 `json:"removed"`
}

type QueueResetRequest struct{}

type QueueResetResponse struct {
	Updated int64 `json:"updated"`
}

type QueueRetryRequest struct {
	IDs []int64 `json:"ids,omitempty"`
}

type QueueRetryResponse struct {
	Updated int64 `json:"updated"`
}

type QueueHealthRequest struct{}

type QueueHealthResponse struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Completed  int `json:"completed"`
}

type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int64 `json:"wait_millis"`
}

type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

type TestNotificationRequest struct{}

type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
