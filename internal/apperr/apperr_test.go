package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("bad"), http.StatusBadRequest},
		{apperr.NotFound("agent %s", "a1"), http.StatusNotFound},
		{apperr.Forbidden("no"), http.StatusForbidden},
		{apperr.RateLimited("slow down"), http.StatusTooManyRequests},
		{apperr.NotImplemented("later"), http.StatusNotImplemented},
		{apperr.Infra(errors.New("conn reset"), "store"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, apperr.HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("resolve session: %w", apperr.Validation("sessionKey is required"))

	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
	assert.Equal(t, "sessionKey is required", apperr.Message(err))
	assert.Equal(t, apperr.Code(""), apperr.CodeOf(nil))
}

func TestInfraUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := apperr.Infra(cause, "append event")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "internal error", apperr.Message(cause))
	assert.Contains(t, err.Error(), "INFRA: append event")
}
