package archive

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetryRetriesTimeoutOnce(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", ErrTimeout
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}

func TestWithRetryGivesUpAfterSecondTimeout(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), func(context.Context) (string, error) {
		calls++
		return "", ErrTimeout
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, calls)
}

func TestWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := WithRetry(context.Background(), func(context.Context) (string, error) {
		calls++
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestResourceAccessors(t *testing.T) {
	r := Resource{"uuid": "u-1", "name": "HD5980"}
	assert.Equal(t, "u-1", r.UUID())
	assert.Equal(t, "HD5980", r.Name())

	empty := Resource{"uuid": 42}
	assert.Equal(t, "", empty.UUID())
	assert.Equal(t, "", empty.Name())
}

func TestDecodeList(t *testing.T) {
	bare, err := decodeList([]byte(`[{"uuid":"a"},{"uuid":"b"}]`))
	require.NoError(t, err)
	assert.Len(t, bare, 2)

	envelope, err := decodeList([]byte(`{"count":1,"results":[{"uuid":"a"}]}`))
	require.NoError(t, err)
	require.Len(t, envelope, 1)
	assert.Equal(t, "a", envelope[0].UUID())

	_, err = decodeList([]byte(`not json`))
	assert.Error(t, err)
}

func TestFakeAPITagMatching(t *testing.T) {
	f := NewFakeAPI()
	seeded := f.Seed(Resource{
		"name": "HD5980/Halpha",
		"tags": []string{"oort|folder|HD5980/Halpha", "oort|root|/data/root"},
	})

	// Tag order is irrelevant, the set is what identifies the dataset.
	matches, err := f.List(context.Background(), map[string]string{
		"tags": "oort|root|/data/root,oort|folder|HD5980/Halpha",
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, seeded.UUID(), matches[0].UUID())

	// A subset of the tags is a different dedup key, not a match.
	none, err := f.List(context.Background(), map[string]string{
		"tags": "oort|folder|HD5980/Halpha",
	})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFakeAPITimeoutInjection(t *testing.T) {
	f := NewFakeAPI()
	f.TimeoutsBeforeSuccess = 1

	_, err := f.List(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = f.List(context.Background(), nil)
	assert.NoError(t, err)
}

func TestFakeAPICreateAndRead(t *testing.T) {
	f := NewFakeAPI()
	created, err := f.Create(context.Background(), map[string]any{"name": "Biases"})
	require.NoError(t, err)
	require.NotEmpty(t, created.UUID())

	read, err := f.Read(context.Background(), created.UUID())
	require.NoError(t, err)
	assert.Equal(t, "Biases", read.Name())

	_, err = f.Read(context.Background(), "unknown")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}
