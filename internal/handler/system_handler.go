package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/response"
)

const metricsInterval = 7 * time.Second

// SystemHandler streams Go runtime, connection pool and worker queue
// metrics via SSE.
type SystemHandler struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		pool:      pool,
		rdb:       rdb,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	// Go Application
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	StackInuse uint64 `json:"stack_inuse"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`

	// Connection pools
	DBAcquired   int32  `json:"db_acquired_conns"`
	DBIdle       int32  `json:"db_idle_conns"`
	DBTotal      int32  `json:"db_total_conns"`
	DBMax        int32  `json:"db_max_conns"`
	RedisTotal   uint32 `json:"redis_total_conns"`
	RedisIdle    uint32 `json:"redis_idle_conns"`
	RedisTimeout uint32 `json:"redis_timeouts"`

	// Worker Queues
	QueueDrafts int64 `json:"queue_drafts"`
	QueueScores int64 `json:"queue_scores"`
	QueueEvents int64 `json:"queue_events"`
}

// Snapshot godoc
// GET /api/v1/admin/system/metrics/snapshot
// Returns one metrics sample.
func (h *SystemHandler) Snapshot(c *gin.Context) {
	response.Success(c, http.StatusOK, h.collect(c.Request.Context()))
}

// SystemMetricsSSE godoc
// GET /api/v1/admin/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Info().Msg("Admin connected to system metrics SSE")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeMetrics(c)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Admin disconnected from system metrics SSE")
			return
		case <-ticker.C:
			h.writeMetrics(c)
		}
	}
}

func (h *SystemHandler) writeMetrics(c *gin.Context) {
	data, err := json.Marshal(h.collect(c.Request.Context()))
	if err != nil {
		return
	}
	writeSSE(c, data)
}

func (h *SystemHandler) collect(ctx context.Context) systemMetrics {
	m := systemMetrics{
		Timestamp: time.Now().Unix(),
		Uptime:    formatDuration(time.Since(h.startTime)),
		GoVersion: runtime.Version(),
		NumCPU:    runtime.NumCPU(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Goroutines = runtime.NumGoroutine()
	m.HeapAlloc = ms.HeapAlloc
	m.HeapSys = ms.Sys
	m.StackInuse = ms.StackInuse
	m.NumGC = ms.NumGC

	if h.pool != nil {
		st := h.pool.Stat()
		m.DBAcquired = st.AcquiredConns()
		m.DBIdle = st.IdleConns()
		m.DBTotal = st.TotalConns()
		m.DBMax = st.MaxConns()
	}
	if ps := h.rdb.PoolStats(); ps != nil {
		m.RedisTotal = ps.TotalConns
		m.RedisIdle = ps.IdleConns
		m.RedisTimeout = ps.Timeouts
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pipe := h.rdb.Pipeline()
	draftsCmd := pipe.LLen(ctx, config.WorkerKey.PersistDraftsQueue)
	scoresCmd := pipe.LLen(ctx, config.WorkerKey.PersistScoresQueue)
	eventsCmd := pipe.LLen(ctx, config.WorkerKey.PersistEventsQueue)
	if _, err := pipe.Exec(ctx); err == nil {
		m.QueueDrafts = draftsCmd.Val()
		m.QueueScores = scoresCmd.Val()
		m.QueueEvents = eventsCmd.Val()
	} else {
		h.log.Warn().Err(err).Msg("Failed to read queue lengths")
	}

	return m
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
