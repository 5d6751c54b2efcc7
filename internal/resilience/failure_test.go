package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/metagame-cli/internal/model"
)

func TestNewFetchFailure(t *testing.T) {
	key := model.Key{Source: "eventapi", Format: "modern", TournamentID: "9"}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

	f := NewFetchFailure(key, FromHTTPStatus(503, "busy"), 3, at)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, key, f.Key)
	assert.Equal(t, KindTransient, f.Kind)
	assert.Equal(t, 3, f.Attempts)
	assert.Equal(t, time.UTC, f.FailedAt.Location())
	assert.True(t, f.Retryable())

	nf := NewFetchFailure(key, FromHTTPStatus(404, ""), 1, at)
	assert.Equal(t, KindNotFound, nf.Kind)
	assert.False(t, nf.Retryable())
	assert.NotEqual(t, f.ID, nf.ID)
}
