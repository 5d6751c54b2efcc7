package fetcher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listing struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestDecodeJSONArray(t *testing.T) {
	input := `[{"id":"a","status":"complete"},{"id":"b","status":"running"}]`
	ch, errCh := DecodeJSONArray[listing](context.Background(), strings.NewReader(input))

	var got []listing
	for rec := range ch {
		got = append(got, rec)
	}
	for err := range errCh {
		require.NoError(t, err)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "running", got[1].Status)
}

func TestDecodeJSONArray_EmptyAndNull(t *testing.T) {
	for _, in := range []string{"", "[]", "null"} {
		got, err := CollectJSONArray[listing](context.Background(), strings.NewReader(in), nil)
		require.NoError(t, err, "input %q", in)
		assert.Empty(t, got)
	}
}

func TestDecodeJSONArray_InvalidFormat(t *testing.T) {
	_, err := CollectJSONArray[listing](context.Background(), strings.NewReader(`{"id":"x"}`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected '['")
}

func TestDecodeJSONArray_ContextCancellation(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("[")
	for i := range 10000 {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"id":"x","status":"complete"}`)
	}
	sb.WriteString("]")

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)

	_, err := CollectJSONArray[listing](ctx, strings.NewReader(sb.String()), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context")
}

func TestCollectJSONArray_Filter(t *testing.T) {
	input := `[{"id":"a","status":"complete"},{"id":"","status":"complete"},{"id":"c"}]`
	got, err := CollectJSONArray(context.Background(), strings.NewReader(input), func(l listing) bool {
		return l.ID != ""
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[1].ID)
}
