package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/capture-client/internal/helpers"
)

func newClient(t *testing.T, base string) *Client {
	t.Helper()
	c, err := New(base, helpers.ValidKey, nil)
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadScheme(t *testing.T) {
	_, err := New("ws://localhost:3103", "k", nil)
	require.Error(t, err)
}

func TestValidateAPIKey(t *testing.T) {
	svc := helpers.NewFakeService(t)
	c := newClient(t, svc.URL())
	ctx := context.Background()

	ok, err := c.ValidateAPIKey(ctx, helpers.ValidKey)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ValidateAPIKey(ctx, "SomeOtherKey0123456789abcdef")
	require.NoError(t, err)
	assert.False(t, ok)

	svc.Lock()
	svc.FailValidate = true
	svc.Unlock()
	_, err = c.ValidateAPIKey(ctx, helpers.ValidKey)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "validate-api-key", se.Op)
}

func TestThemes(t *testing.T) {
	svc := helpers.NewFakeService(t)
	c := newClient(t, svc.URL())

	cat, err := c.Themes(context.Background())
	require.NoError(t, err)
	require.Contains(t, cat, "dark")
	assert.Equal(t, "#000000", cat["dark"]["background"])
}

func TestSaveScreenshot(t *testing.T) {
	svc := helpers.NewFakeService(t)
	c := newClient(t, svc.URL())

	path, err := c.SaveScreenshot(context.Background(), "abc", 2, "data:image/png;base64,AAAA")
	require.NoError(t, err)
	assert.Equal(t, "/screenshots/abc/2.png", path)

	calls := svc.UploadCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, helpers.UploadCall{ID: "abc", Index: 2, Data: "data:image/png;base64,AAAA", APIKey: helpers.ValidKey}, calls[0])

	svc.Lock()
	svc.FailUploads = true
	svc.Unlock()
	_, err = c.SaveScreenshot(context.Background(), "abc", 3, "x")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Contains(t, se.Error(), "upload failed")
}

func TestSaveScreenshotEmptyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"path":""}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	_, err := c.SaveScreenshot(context.Background(), "a", 0, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty path")
}

func TestDeleteScreenshots(t *testing.T) {
	svc := helpers.NewFakeService(t)
	c := newClient(t, svc.URL())

	require.NoError(t, c.DeleteScreenshots(context.Background(), "abc"))
	assert.Equal(t, []string{"abc"}, svc.DeleteCalls())

	svc.Lock()
	svc.FailDeletes = true
	svc.Unlock()
	require.Error(t, c.DeleteScreenshots(context.Background(), "abc"))
}

func TestContextCancelled(t *testing.T) {
	svc := helpers.NewFakeService(t)
	c := newClient(t, svc.URL())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Themes(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
