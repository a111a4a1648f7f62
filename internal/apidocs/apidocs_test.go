package apidocs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swaggo/swag"
)

func TestDocumentRegistered(t *testing.T) {
	raw, err := swag.ReadDoc()
	require.NoError(t, err)

	var parsed struct {
		Swagger string                     `json:"swagger"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &parsed))
	assert.Equal(t, "2.0", parsed.Swagger)

	for _, path := range []string{"/api/sync/status", "/api/sync/trigger", "/api/mutations", "/api/sync/queue/{id}/retry"} {
		assert.Contains(t, parsed.Paths, path)
	}
}
