package services

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRemoteError(t *testing.T) {
	t.Run("validation errors list fields in order", func(t *testing.T) {
		err := ParseRemoteError(http.StatusUnprocessableEntity,
			[]byte(`{"message":"invalid","errors":{"price":"must be positive","name":["required","too short"]}}`))
		assert.False(t, err.Conflict)
		assert.Equal(t, "validation failed: name: required, too short; price: must be positive", err.Error())
	})

	t.Run("409 is always a conflict", func(t *testing.T) {
		err := ParseRemoteError(http.StatusConflict, []byte(`not json`))
		assert.True(t, err.Conflict)
		assert.Equal(t, "server returned 409: not json", err.Error())
	})

	t.Run("conflict markers only count on 422", func(t *testing.T) {
		assert.True(t, ParseRemoteError(422, []byte(`{"conflict":true}`)).Conflict)
		assert.True(t, ParseRemoteError(422, []byte(`{"code":"CONFLICT"}`)).Conflict)
		assert.False(t, ParseRemoteError(400, []byte(`{"conflict":true}`)).Conflict)
	})

	t.Run("error string field is used as message", func(t *testing.T) {
		err := ParseRemoteError(http.StatusBadRequest, []byte(`{"error":"bad payload"}`))
		assert.Equal(t, "server returned 400: bad payload", err.Error())
	})

	t.Run("empty body falls back to status text", func(t *testing.T) {
		err := ParseRemoteError(http.StatusBadGateway, nil)
		assert.Equal(t, "server returned 502 Bad Gateway", err.Error())
	})
}

func TestIsRetryableStatus(t *testing.T) {
	for _, status := range []int{500, 502, 503, 408, 429} {
		assert.True(t, IsRetryableStatus(status), status)
	}
	for _, status := range []int{400, 401, 404, 409, 422} {
		assert.False(t, IsRetryableStatus(status), status)
	}
}

func TestNetworkError(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("deliver: %w", &NetworkError{Method: "POST", URL: "http://api/sales", Err: cause})
	assert.True(t, IsNetworkError(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsNetworkError(cause))
}

func TestSyncError(t *testing.T) {
	err := &SyncError{Failed: 1, Conflicts: 2, Reasons: []string{"a", "b"}}
	assert.Equal(t, "3 change(s) not synced (1 failed, 2 in conflict): a; b", err.Error())
}

func TestBackoffPolicy_Delay(t *testing.T) {
	policy := BackoffPolicy{Initial: 30 * time.Second, Max: 2 * time.Minute}
	assert.Equal(t, 30*time.Second, policy.Delay(1))
	assert.Equal(t, time.Minute, policy.Delay(2))
	assert.Equal(t, 2*time.Minute, policy.Delay(3))
	assert.Equal(t, 2*time.Minute, policy.Delay(8))
	assert.Equal(t, time.Duration(0), BackoffPolicy{}.Delay(3))
}
