package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/response"
	"github.com/stemsi/bandprep-backend/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // keeps slow queries from stalling the SSE loop
)

// MonitorHandler streams live attempt progress of one test to the dashboard.
type MonitorHandler struct {
	testService    *service.TestService
	eventService   *service.EventService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(
	testService *service.TestService,
	eventService *service.EventService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		testService:    testService,
		eventService:   eventService,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

type monitorTest struct {
	ID           uuid.UUID        `json:"id"`
	Title        string           `json:"title"`
	Exam         model.ExamBoard  `json:"exam"`
	Skill        model.Skill      `json:"skill"`
	TimerMode    model.TimerMode  `json:"timer_mode"`
	SectionCount int              `json:"section_count"`
	Status       model.TestStatus `json:"status"`
}

type monitorSnapshot struct {
	Type     string                    `json:"type"`
	Test     monitorTest               `json:"test"`
	Stats    service.MonitorStats      `json:"stats"`
	Attempts []service.AttemptProgress `json:"attempts"`
}

type monitorRefresh struct {
	Type     string                    `json:"type"`
	Stats    service.MonitorStats      `json:"stats"`
	Attempts []service.AttemptProgress `json:"attempts"`
}

// MonitorTestSSE godoc
// GET /api/v1/admin/tests/:id/monitor
// Sends a snapshot, then forwards live session events as they are published
// and a periodic refresh of answered counts.
func (h *MonitorHandler) MonitorTestSSE(c *gin.Context) {
	testID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	test, _, err := h.testService.Get(c.Request.Context(), testID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, reqCtx, test)

	pubsub := h.eventService.Subscribe(reqCtx, testID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes until some activity proves there is something to refresh.
	active := false

	h.log.Info().Str("test_id", testID.String()).Msg("Admin attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("test_id", testID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Payloads are already JSON MonitorEvents.
			writeSSE(c, []byte(msg.Payload))
			active = true

		case <-refreshTicker.C:
			if !active {
				continue
			}
			h.sendRefresh(c, reqCtx, testID)

		case <-keepAliveTicker.C:
			writeSSE(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, test *model.Test) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	attempts, stats, err := h.monitorService.Snapshot(ctx, test.ID)
	if err != nil {
		h.log.Warn().Err(err).Str("test_id", test.ID.String()).Msg("Failed to build monitor snapshot")
	}
	if attempts == nil {
		attempts = []service.AttemptProgress{}
	}

	payload, err := json.Marshal(monitorSnapshot{
		Type: "snapshot",
		Test: monitorTest{
			ID:           test.ID,
			Title:        test.Title,
			Exam:         test.Exam,
			Skill:        test.Skill,
			TimerMode:    test.TimerMode,
			SectionCount: test.SectionCount,
			Status:       test.Status,
		},
		Stats:    stats,
		Attempts: attempts,
	})
	if err != nil {
		return
	}
	writeSSE(c, payload)
}

func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, testID uuid.UUID) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	attempts, stats, err := h.monitorService.Snapshot(ctx, testID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to fetch attempt progress for refresh")
		return
	}
	if attempts == nil {
		attempts = []service.AttemptProgress{}
	}

	payload, err := json.Marshal(monitorRefresh{Type: "refresh", Stats: stats, Attempts: attempts})
	if err != nil {
		return
	}
	writeSSE(c, payload)
}

// AttemptTimeline godoc
// GET /api/v1/admin/attempts/:id/events
// Returns the persisted session events of one attempt in order.
func (h *MonitorHandler) AttemptTimeline(c *gin.Context) {
	attemptID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	events, err := h.monitorService.Timeline(c.Request.Context(), attemptID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"events": events})
}
