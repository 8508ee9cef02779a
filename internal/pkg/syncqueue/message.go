package syncqueue

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Origin 请求来源。
const (
	OriginManual   = "manual"
	OriginSchedule = "schedule"
)

// SyncRequest 是 Stream 中传递的同步请求。
type SyncRequest struct {
	ID          string    `json:"id"`           // 请求 ID，用于日志关联
	Query       string    `json:"query"`        // 搜索关键词
	Force       bool      `json:"force"`        // 忽略缓存强制抓取
	Origin      string    `json:"origin"`       // manual / schedule
	RequestedAt time.Time `json:"requested_at"` // 入队时间
	Retry       int       `json:"retry"`        // 已重试次数
}

// NewSyncRequest 创建同步请求。
func NewSyncRequest(query string, force bool, origin string) *SyncRequest {
	if origin == "" {
		origin = OriginManual
	}
	return &SyncRequest{
		ID:          uuid.NewString(),
		Query:       strings.TrimSpace(query),
		Force:       force,
		Origin:      origin,
		RequestedAt: time.Now().UTC(),
	}
}
