package appers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Ошибки runtime агрегатов. Доменные отказы возвращаются вызывающему как есть и не ретраятся.
var (
	ErrAggregateVersionOutdated = errors.New("aggregate version outdated")
	ErrAggregateCollapsed       = errors.New("aggregate history collapsed")
	ErrAggregateVersionNotFound = errors.New("aggregate version not found")
	ErrAggregateNotFound        = errors.New("aggregate not found")
)

// Ошибки программиста: не ретраятся, всплывают сразу.
var (
	ErrPatchFailed        = errors.New("event patch failed")
	ErrUnknownEvent       = errors.New("unknown event")
	ErrHistoryCorrupted   = errors.New("aggregate history corrupted")
	ErrPatchNotIdempotent = errors.New("event patch is not idempotent")
)

// Ошибки outbox.
var (
	ErrNoTransaction  = errors.New("outbox insert requires an active transaction")
	ErrOutboxLockLost = errors.New("outbox entry lock lost")
)

// AggregateVersionOutdatedError - проигравший в гонке за версию.
// Вызывающий может перечитать агрегат и повторить команду.
type AggregateVersionOutdatedError struct {
	AggregateType string
	AggregateID   string
	Version       uint64
}

func (e *AggregateVersionOutdatedError) Error() string {
	return fmt.Sprintf("aggregate %s/%s: version %d already taken", e.AggregateType, e.AggregateID, e.Version)
}

func (e *AggregateVersionOutdatedError) Is(target error) bool {
	return target == ErrAggregateVersionOutdated
}

type ErrorResp struct {
	StatusCode int    `json:"statusCode,omitempty"`
	StatusDesc string `json:"statusDesc,omitempty"`
}

func (e ErrorResp) Error() string {
	return e.StatusDesc
}

var (
	ErrBadQuery = ErrorResp{
		StatusCode: http.StatusBadRequest,
		StatusDesc: "некорректные параметры запроса",
	}
	ErrBadVersionRange = ErrorResp{
		StatusCode: http.StatusBadRequest,
		StatusDesc: "from/to должны быть неотрицательными целыми, from <= to",
	}
)

// httpStatus переводит ошибки ядра в HTTP-коды админского API.
func httpStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, ErrAggregateNotFound), errors.Is(err, ErrAggregateVersionNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, ErrAggregateVersionOutdated):
		return http.StatusConflict, true
	case errors.Is(err, ErrAggregateCollapsed):
		return http.StatusGone, true
	}
	return 0, false
}

func SanitizeError(c *fiber.Ctx, err error) error {
	var errResp ErrorResp

	if ok := errors.As(err, &errResp); ok {
		return c.Status(errResp.StatusCode).JSON(fiber.Map{
			"message": errResp.StatusDesc,
		})
	}
	if status, ok := httpStatus(err); ok {
		return NewErr(c, status, err)
	}
	return NewErr(c, http.StatusInternalServerError, err)
}

func NewErr(ctx *fiber.Ctx, status int, err error) error {
	return ctx.Status(status).JSON(fiber.Map{
		"message": err.Error(),
	})
}
