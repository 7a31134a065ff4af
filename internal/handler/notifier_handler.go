package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"github.com/kursadbilgin/sms-notifier/internal/sender"
)

const (
	defaultBatchLimit    = 100
	defaultRunsLimit     = 20
	maxRunsLimit         = 100
	defaultRetentionDays = 30
)

type BookEventPublisher interface {
	PublishBookPublished(ctx context.Context, event domain.BookPublished) error
}

type DispatchService interface {
	RunBatch(ctx context.Context, limit int) (*domain.BatchResult, error)
	Runs(ctx context.Context, limit int) ([]domain.DispatchRun, error)
	Run(ctx context.Context, id string) (*domain.DispatchRun, error)
	Attempts(ctx context.Context, recordID string) ([]domain.DeliveryAttempt, error)
}

type QueueService interface {
	Statistics(ctx context.Context) (domain.QueueStats, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

type SenderStatsProvider interface {
	Stats(ctx context.Context) (sender.Stats, error)
}

// Services groups what the notifier routes call into.
type Services struct {
	Books    BookEventPublisher
	Dispatch DispatchService
	Queue    QueueService
	Sender   SenderStatsProvider
}

type NotifierHandler struct {
	books    BookEventPublisher
	dispatch DispatchService
	queue    QueueService
	sender   SenderStatsProvider
}

func NewNotifierHandler(services Services) (*NotifierHandler, error) {
	if services.Books == nil {
		return nil, fmt.Errorf("book event publisher is required")
	}
	if services.Dispatch == nil {
		return nil, fmt.Errorf("dispatch service is required")
	}
	if services.Queue == nil {
		return nil, fmt.Errorf("queue service is required")
	}
	if services.Sender == nil {
		return nil, fmt.Errorf("sender stats provider is required")
	}

	return &NotifierHandler{
		books:    services.Books,
		dispatch: services.Dispatch,
		queue:    services.Queue,
		sender:   services.Sender,
	}, nil
}

func RegisterNotifierRoutes(router fiber.Router, services Services) error {
	h, err := NewNotifierHandler(services)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/books/published", h.PublishBook)
	v1.Post("/dispatch/runs", h.RunDispatch)
	v1.Get("/dispatch/runs", h.ListRuns)
	v1.Get("/dispatch/runs/:id", h.GetRun)
	v1.Get("/notifications/:id/attempts", h.ListAttempts)
	v1.Get("/queue/stats", h.QueueStats)
	v1.Delete("/queue/sent", h.CleanupSent)
	v1.Get("/sender/stats", h.SenderStats)

	return nil
}

type bookPublishedRequest struct {
	BookID    int64   `json:"bookId"`
	Title     string  `json:"title"`
	Year      int     `json:"year"`
	AuthorIDs []int64 `json:"authorIds"`
}

type dispatchRunResponse struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	TotalProcessed int       `json:"totalProcessed"`
	SuccessCount   int       `json:"successCount"`
	FailedCount    int       `json:"failedCount"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

type deliveryAttemptResponse struct {
	ID            string    `json:"id"`
	AttemptNumber int       `json:"attemptNumber"`
	Provider      string    `json:"provider"`
	Succeeded     bool      `json:"succeeded"`
	Error         *string   `json:"error,omitempty"`
	DurationMs    int64     `json:"durationMs"`
	CreatedAt     time.Time `json:"createdAt"`
}

type batchResultResponse struct {
	TotalProcessed int               `json:"totalProcessed"`
	SuccessCount   int               `json:"successCount"`
	FailedCount    int               `json:"failedCount"`
	SuccessRate    float64           `json:"successRate"`
	Errors         map[string]string `json:"errors"`
}

type cleanupResponse struct {
	Deleted       int64 `json:"deleted"`
	RetentionDays int   `json:"retentionDays"`
}

func (h *NotifierHandler) PublishBook(c *fiber.Ctx) error {
	var req bookPublishedRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	event := domain.BookPublished{
		BookID:    req.BookID,
		Title:     strings.TrimSpace(req.Title),
		Year:      req.Year,
		AuthorIDs: req.AuthorIDs,
	}
	if err := event.Validate(); err != nil {
		return toHTTPError(err)
	}

	if err := h.books.PublishBookPublished(c.Context(), event); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"bookId": event.BookID,
		"status": "accepted",
	})
}

func (h *NotifierHandler) RunDispatch(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultBatchLimit)
	if limit < 1 {
		return toHTTPError(fmt.Errorf("%w: limit must be >= 1", domain.ErrInvalidArgument))
	}

	result, err := h.dispatch.RunBatch(c.Context(), limit)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(batchResultResponse{
		TotalProcessed: result.TotalProcessed,
		SuccessCount:   result.SuccessCount,
		FailedCount:    result.FailedCount,
		SuccessRate:    result.SuccessRate(),
		Errors:         result.Errors,
	})
}

func (h *NotifierHandler) ListRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultRunsLimit)
	if limit < 1 || limit > maxRunsLimit {
		return toHTTPError(fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrInvalidArgument, maxRunsLimit))
	}

	runs, err := h.dispatch.Runs(c.Context(), limit)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]dispatchRunResponse, 0, len(runs))
	for i := range runs {
		data = append(data, toRunResponse(&runs[i]))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *NotifierHandler) GetRun(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if _, err := uuid.Parse(id); err != nil {
		return toHTTPError(fmt.Errorf("%w: run id must be a uuid", domain.ErrInvalidArgument))
	}

	run, err := h.dispatch.Run(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toRunResponse(run))
}

func (h *NotifierHandler) ListAttempts(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if _, err := uuid.Parse(id); err != nil {
		return toHTTPError(fmt.Errorf("%w: notification id must be a uuid", domain.ErrInvalidArgument))
	}

	attempts, err := h.dispatch.Attempts(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]deliveryAttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		data = append(data, deliveryAttemptResponse{
			ID:            a.ID,
			AttemptNumber: a.AttemptNumber,
			Provider:      a.Provider,
			Succeeded:     a.Succeeded,
			Error:         a.Error,
			DurationMs:    a.Duration.Milliseconds(),
			CreatedAt:     a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func toRunResponse(run *domain.DispatchRun) dispatchRunResponse {
	return dispatchRunResponse{
		ID:             run.ID,
		Status:         run.Status.String(),
		TotalProcessed: run.TotalProcessed,
		SuccessCount:   run.SuccessCount,
		FailedCount:    run.FailedCount,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
	}
}

func (h *NotifierHandler) QueueStats(c *fiber.Ctx) error {
	stats, err := h.queue.Statistics(c.Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(stats)
}

func (h *NotifierHandler) CleanupSent(c *fiber.Ctx) error {
	days := c.QueryInt("retentionDays", defaultRetentionDays)

	deleted, err := h.queue.Cleanup(c.Context(), days)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(cleanupResponse{
		Deleted:       deleted,
		RetentionDays: days,
	})
}

func (h *NotifierHandler) SenderStats(c *fiber.Ctx) error {
	stats, err := h.sender.Stats(c.Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(stats)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidArgument):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDuplicate):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrServiceUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
