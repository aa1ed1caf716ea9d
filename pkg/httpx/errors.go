package httpx

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

// MapPipelineError maps a classified stage error to the HTTP response
// that drives the delivery substrate: 422 tells it to stop redelivering,
// 503 tells it to try again.
func MapPipelineError(err error) *echo.HTTPError {
	if pipeline.IsPermanent(err) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
}

// BadRequest is a convenience for malformed request bodies.
func BadRequest(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
