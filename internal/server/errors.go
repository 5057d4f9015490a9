package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	accountdomain "github.com/settleco/settle/internal/billingaccount/domain"
	"github.com/settleco/settle/internal/engine"
	processordomain "github.com/settleco/settle/internal/processor/domain"
	receiptdomain "github.com/settleco/settle/internal/receipt/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

// abortWithError maps domain errors to HTTP statuses. Unrecognized
// errors become 500 with a generic body so provider details never leak
// to callers.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, engine.ErrRunInProgress):
		status = http.StatusConflict
		message = err.Error()
	case errors.Is(err, processordomain.ErrUnknownProcessor),
		errors.Is(err, receiptdomain.ErrReceiptNotFound),
		errors.Is(err, accountdomain.ErrAccountNotFound):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, processordomain.ErrNoProcessorAvailable):
		status = http.StatusServiceUnavailable
		message = err.Error()
	case errors.Is(err, processordomain.ErrMissingCredentials),
		errors.Is(err, processordomain.ErrNotSupported),
		errors.Is(err, processordomain.ErrInvalidRequest):
		status = http.StatusUnprocessableEntity
		message = err.Error()
	}

	c.Error(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: message})
}

func abortValidation(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: message})
}
