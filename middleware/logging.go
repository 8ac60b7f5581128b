package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// RequestLog is one gate decision kept for the admin dashboard.
type RequestLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	IP         string    `json:"ip"`
	StatusCode int       `json:"status_code"`
	Duration   string    `json:"duration"`
	Size       int       `json:"size"`
}

// RequestLogStore is a bounded ring of recent requests.
type RequestLogStore struct {
	logs    []RequestLog
	mu      sync.RWMutex
	maxSize int
}

func NewRequestLogStore(maxSize int) *RequestLogStore {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &RequestLogStore{
		logs:    make([]RequestLog, 0, maxSize),
		maxSize: maxSize,
	}
}

func (s *RequestLogStore) Add(entry RequestLog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, entry)
	if len(s.logs) > s.maxSize {
		s.logs = s.logs[len(s.logs)-s.maxSize:]
	}
}

// Recent returns up to limit entries, newest first.
func (s *RequestLogStore) Recent(limit int) []RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.logs) {
		limit = len(s.logs)
	}

	result := make([]RequestLog, limit)
	for i := 0; i < limit; i++ {
		result[i] = s.logs[len(s.logs)-1-i]
	}
	return result
}

// Stats counts the retained requests the gate turned away.
func (s *RequestLogStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]int{"total": len(s.logs)}
	for _, l := range s.logs {
		switch l.StatusCode {
		case http.StatusTooManyRequests:
			stats["rate_limited"]++
		case http.StatusForbidden:
			stats["forbidden"]++
		case http.StatusUnauthorized:
			stats["unauthorized"]++
		}
	}
	return stats
}

type LoggingMiddleware struct {
	logger *zap.Logger
	store  *RequestLogStore
}

func NewLoggingMiddleware(logger *zap.Logger, store *RequestLogStore) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger.Named("http"), store: store}
}

func (m *LoggingMiddleware) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		ip := getClientIP(r)

		if m.store != nil {
			m.store.Add(RequestLog{
				Timestamp:  start,
				Method:     r.Method,
				Path:       r.URL.Path,
				IP:         ip,
				StatusCode: rw.statusCode,
				Duration:   duration.String(),
				Size:       rw.size,
			})
		}

		m.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("ip", ip),
			zap.Int("status", rw.statusCode),
			zap.Int("size", rw.size),
			zap.Duration("duration", duration),
			zap.String("user_agent", r.UserAgent()))
	})
}
