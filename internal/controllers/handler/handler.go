package handler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"eventcore/internal/appers"
	"eventcore/internal/application/common"
	"eventcore/internal/application/entity"
	use_cases "eventcore/internal/application/use-cases"
	"eventcore/pkg/validator"

	playgroundvalidator "github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const healthTimeout = 3 * time.Second

type Handler interface {
	HealthCheck(c *fiber.Ctx) error
	FailedEntries(c *fiber.Ctx) error
	UnlockStaleEntries(c *fiber.Ctx) error
	PurgeAcknowledged(c *fiber.Ctx) error
	AggregateEvents(c *fiber.Ctx) error
}

type HandlerImpl struct {
	usecase        use_cases.UseCaser
	listenerHealth func() bool
	logger         *zap.SugaredLogger
}

// NewHandler - listenerHealth может быть nil, если listener выключен.
func NewHandler(usecase use_cases.UseCaser, listenerHealth func() bool, logger *zap.SugaredLogger) *HandlerImpl {
	return &HandlerImpl{
		usecase:        usecase,
		listenerHealth: listenerHealth,
		logger:         logger,
	}
}

// failedQuery - фильтр запаркованных записей: olderThan (duration) или before (RFC3339).
type failedQuery struct {
	OlderThan string `query:"olderThan"`
	Before    string `query:"before" validate:"rfc3339_optional"`
}

func (q failedQuery) window(now time.Time) (time.Duration, error) {
	if q.Before != "" {
		before, err := time.Parse(time.RFC3339, q.Before)
		if err != nil {
			return 0, err
		}
		return max(now.Sub(before), 0), nil
	}
	if q.OlderThan == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(q.OlderThan)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("olderThan: invalid duration %q", q.OlderThan)
	}
	return d, nil
}

// formatValidationErrors форматирует ошибки валидации в понятный формат для клиента
func formatValidationErrors(err error) fiber.Map {
	var details []string
	if validationErrors, ok := err.(playgroundvalidator.ValidationErrors); ok {
		for _, e := range validationErrors {
			switch e.Tag() {
			case "rfc3339", "rfc3339_optional":
				details = append(details, fmt.Sprintf("поле '%s' должно быть в формате RFC3339 (например, 2026-01-20T15:00:00Z)", e.Field()))
			default:
				details = append(details, fmt.Sprintf("поле '%s' не прошло валидацию: %s", e.Field(), e.Tag()))
			}
		}
	} else {
		details = append(details, err.Error())
	}
	return fiber.Map{
		"error":   "validation failed",
		"details": details,
	}
}

// HealthCheck проверяет БД, брокер и подписку listener.
// Общий статус зависит только от БД и брокера: без listener relay работает по таймеру.
func (h *HandlerImpl) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	dbHealthy, brokerHealthy, _ := h.usecase.HealthCheck(ctx)

	resp := entity.HealthCheckResponse{
		Status:  dbHealthy && brokerHealthy,
		Message: "success",
		Version: common.Version,
		Checks: entity.HealthCheckResponseData{
			Database: entity.HealthCheckItem{Status: dbHealthy, Type: "postgresql"},
			Broker:   entity.HealthCheckItem{Status: brokerHealthy, Type: "broker"},
			Listener: entity.HealthCheckItem{Status: true, Type: "disabled"},
		},
	}
	if !dbHealthy {
		resp.Checks.Database.Error = "Database connection failed"
		resp.Message = "Some services are unavailable"
	}
	if !brokerHealthy {
		resp.Checks.Broker.Error = "Broker connection failed"
		resp.Message = "Some services are unavailable"
	}
	if h.listenerHealth != nil {
		resp.Checks.Listener = entity.HealthCheckItem{Status: h.listenerHealth(), Type: "pg_notify"}
		if !resp.Checks.Listener.Status {
			resp.Checks.Listener.Error = "Subscription is not active"
		}
	}
	if dbHealthy {
		if failed, err := h.usecase.FailedEntries(ctx, 0); err == nil {
			resp.Checks.Outbox.FailedEntries = len(failed)
		}
	}

	if !resp.Status {
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// FailedEntries возвращает запаркованные записи outbox.
// GET /outbox/failed?olderThan=10m | ?before=2026-01-20T15:00:00Z
func (h *HandlerImpl) FailedEntries(c *fiber.Ctx) error {
	var q failedQuery
	if err := c.QueryParser(&q); err != nil {
		return appers.SanitizeError(c, appers.ErrBadQuery)
	}
	if err := validator.Validate.Struct(&q); err != nil {
		h.logger.Warnf("validation error: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(formatValidationErrors(err))
	}

	olderThan, err := q.window(time.Now())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(formatValidationErrors(err))
	}

	entries, err := h.usecase.FailedEntries(c.UserContext(), olderThan)
	if err != nil {
		h.logger.Errorf("failed entries: %v", err)
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(entries)
}

// UnlockStaleEntries запускает снятие протухших аренд вне расписания.
func (h *HandlerImpl) UnlockStaleEntries(c *fiber.Ctx) error {
	n, err := h.usecase.UnlockStaleEntries(c.UserContext())
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"unlocked": n})
}

// PurgeAcknowledged запускает очистку по retention вне расписания.
func (h *HandlerImpl) PurgeAcknowledged(c *fiber.Ctx) error {
	n, err := h.usecase.PurgeAcknowledged(c.UserContext())
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"purged": n})
}

// AggregateEvents отдаёт сырой журнал агрегата.
// GET /aggregates/:type/:id/events?from=0&to=10
func (h *HandlerImpl) AggregateEvents(c *fiber.Ctx) error {
	aggType, aggID := c.Params("type"), c.Params("id")
	if aggType == "" || aggID == "" {
		return appers.SanitizeError(c, appers.ErrBadQuery)
	}

	from, to, err := parseVersionRange(c.Query("from"), c.Query("to"))
	if err != nil {
		return appers.SanitizeError(c, err)
	}

	events, err := h.usecase.AggregateEvents(c.UserContext(), aggType, aggID, from, to)
	if err != nil {
		h.logger.Errorf("[aggregate: %s/%s] events: %v", aggType, aggID, err)
		return appers.SanitizeError(c, err)
	}
	if len(events) == 0 {
		return appers.SanitizeError(c, fmt.Errorf("%s/%s: %w", aggType, aggID, appers.ErrAggregateNotFound))
	}
	return c.Status(fiber.StatusOK).JSON(events)
}

func parseVersionRange(fromStr, toStr string) (entity.Version, *entity.Version, error) {
	var from entity.Version
	if fromStr != "" {
		v, err := strconv.ParseUint(fromStr, 10, 64)
		if err != nil {
			return 0, nil, appers.ErrBadVersionRange
		}
		from = entity.Version(v)
	}
	if toStr == "" {
		return from, nil, nil
	}
	v, err := strconv.ParseUint(toStr, 10, 64)
	if err != nil || entity.Version(v) < from {
		return 0, nil, appers.ErrBadVersionRange
	}
	to := entity.Version(v)
	return from, &to, nil
}
