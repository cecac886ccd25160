// Package server 提供主机的只读状态接口：GET /v1/session 与 GET /v1/journal
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/session"
	"github.com/Metaphorme/railsync/pkg/store"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 1000
)

// StatusSource 提供会话快照，通常是 *session.Manager
type StatusSource interface {
	Status() session.Status
}

// JournalSource 提供参与者进出记录，通常是 *store.DB
type JournalSource interface {
	Journal(limit int) ([]store.JournalRow, error)
}

// SessionResponse 是 /v1/session 的响应
type SessionResponse struct {
	session.Status
	Protocol int      `json:"protocol"`
	Addrs    []string `json:"addrs,omitempty"`
}

// JournalResponse 是 /v1/journal 的响应
type JournalResponse struct {
	Events []store.JournalRow `json:"events"`
}

// HTTPHandlers 封装状态接口的依赖
type HTTPHandlers struct {
	Session StatusSource
	Journal JournalSource // 可以为 nil
	Limiter *IPLimiter
	Addrs   []string
}

// NewHTTPHandlers 创建处理器；limiter 为 nil 时不限流
func NewHTTPHandlers(s StatusSource, j JournalSource, limiter *IPLimiter, addrs []string) *HTTPHandlers {
	return &HTTPHandlers{Session: s, Journal: j, Limiter: limiter, Addrs: addrs}
}

// Routes 返回带请求日志的路由
func (h *HTTPHandlers) Routes(log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session", h.WithRateLimit(h.HandleSession))
	mux.HandleFunc("/v1/journal", h.WithRateLimit(h.HandleJournal))
	return LogRequests(log, mux)
}

// WithRateLimit 在处理请求前检查频率
func (h *HTTPHandlers) WithRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter != nil {
			if ok, wait := h.Limiter.Allow(ClientIP(r), time.Now()); !ok {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(wait.Seconds())))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

// HandleSession 返回当前会话状态
func (h *HTTPHandlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	WriteJSON(w, http.StatusOK, SessionResponse{
		Status:   h.Session.Status(),
		Protocol: models.ProtocolVersion,
		Addrs:    h.Addrs,
	})
}

// HandleJournal 返回最近的进出记录，?limit= 控制条数
func (h *HTTPHandlers) HandleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.Journal == nil {
		http.Error(w, "journal not enabled", http.StatusNotFound)
		return
	}
	limit := defaultJournalLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxJournalLimit {
			if h.Limiter != nil {
				h.Limiter.RecordFail(ClientIP(r), time.Now())
			}
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	rows, err := h.Journal.Journal(limit)
	if err != nil {
		http.Error(w, "journal read failed", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []store.JournalRow{}
	}
	WriteJSON(w, http.StatusOK, JournalResponse{Events: rows})
}
