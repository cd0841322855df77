package token

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFile = `tokens:
  a.aio:
    token: secret-a
    status: active
  b.aio:
    token: secret-b
    status: inactive
    machine: m-b
`

func TestMemoryService(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(map[string]Record{"a.aio": {Token: "t", Status: StatusActive}})

	rec, err := svc.TokenOf(ctx, "a.aio")
	require.NoError(t, err)
	assert.True(t, rec.Active())
	assert.Empty(t, rec.Machine)

	require.NoError(t, svc.Link(ctx, "a.aio", "m1"))
	rec, _ = svc.TokenOf(ctx, "a.aio")
	assert.Equal(t, "m1", rec.Machine)

	_, err = svc.TokenOf(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Link(ctx, "missing", "m"), ErrNotFound)
}

func TestFileServiceLinkPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0o600))

	svc, err := OpenFile(path, nil)
	require.NoError(t, err)

	rec, err := svc.TokenOf(ctx, "b.aio")
	require.NoError(t, err)
	assert.False(t, rec.Active())
	assert.Equal(t, "m-b", rec.Machine)

	require.NoError(t, svc.Link(ctx, "a.aio", "m-a"))

	reopened, err := OpenFile(path, nil)
	require.NoError(t, err)
	rec, err = reopened.TokenOf(ctx, "a.aio")
	require.NoError(t, err)
	assert.Equal(t, "secret-a", rec.Token)
	assert.Equal(t, "m-a", rec.Machine)
}

func TestFileServiceMissingFile(t *testing.T) {
	svc, err := OpenFile(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	_, err = svc.TokenOf(context.Background(), "a.aio")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileServiceRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tokens: [unclosed"), 0o600))
	_, err := OpenFile(path, nil)
	assert.Error(t, err)
}

func TestFileServiceWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0o600))

	svc, err := OpenFile(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(50 * time.Millisecond)
	updated := sampleFile + "  c.aio:\n    token: secret-c\n    status: active\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		_, err := svc.TokenOf(context.Background(), "c.aio")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}
