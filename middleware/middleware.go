// Package middleware 对外 HTTP 接口的通用中间件。
package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/natto1784/fedimint/logs"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// window 一个 IP 在当前时间窗口内的请求数
type window struct {
	start time.Time
	count int
}

// RateLimiter 按客户端 IP 的固定窗口限流；记录数有上限，最久未活跃的 IP 先被淘汰
type RateLimiter struct {
	limit    int
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	windows *lru.Cache

	limited prometheus.Counter
}

// NewRateLimiter limit<=0 时不限流；tracked 为最多记录的 IP 数
func NewRateLimiter(limit int, interval time.Duration, tracked int, reg prometheus.Registerer) *RateLimiter {
	if interval <= 0 {
		interval = time.Second
	}
	if tracked <= 0 {
		tracked = 10000
	}
	cache, err := lru.New(tracked)
	if err != nil {
		panic(err)
	}
	return &RateLimiter{
		limit:    limit,
		interval: interval,
		now:      time.Now,
		windows:  cache,
		limited: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "fedimint", Subsystem: "http", Name: "rate_limited_total",
			Help: "Requests refused by the per-IP rate limiter.",
		}),
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Allow 记一次请求，超出窗口配额返回 false
func (l *RateLimiter) Allow(ip string) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, _ := l.windows.Get(ip)
	win, ok := w.(*window)
	if !ok || now.Sub(win.start) >= l.interval {
		win = &window{start: now}
		l.windows.Add(ip, win)
	}
	win.count++
	return win.count <= l.limit
}

// Middleware 可直接交给 mux.Router.Use
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.Allow(ip) {
			l.limited.Inc()
			logs.Debug("[http] rate limited %s %s", ip, r.URL.Path)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
