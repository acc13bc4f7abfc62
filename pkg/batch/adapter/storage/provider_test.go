package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storageConfig "github.com/tigerroll/ferry/pkg/batch/adapter/storage/config"
	coreConfig "github.com/tigerroll/ferry/pkg/batch/core/config"
)

type fakeConn struct {
	name     string
	closed   bool
	closeErr error
}

func (c *fakeConn) Close() error {
	c.closed = true
	return c.closeErr
}

func (c *fakeConn) Type() string { return "fake" }

func (c *fakeConn) Name() string { return c.name }

func (c *fakeConn) Upload(context.Context, string, string, io.Reader, string) error { return nil }

func (c *fakeConn) Download(context.Context, string, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) ListObjects(context.Context, string, string, func(string) error) error {
	return nil
}

func (c *fakeConn) DeleteObject(context.Context, string, string) error { return nil }

func testConfig() *coreConfig.Config {
	cfg := &coreConfig.Config{}
	cfg.Ferry.StorageConfigs = map[string]interface{}{
		"lake":    map[string]interface{}{"type": "fake", "bucket_name": "exports"},
		"archive": map[string]interface{}{"type": "gcs", "bucket_name": "cold"},
		"broken":  "not a mapping",
	}
	return cfg
}

func TestBaseProvider_CachesAndReconnects(t *testing.T) {
	var opened []*fakeConn
	provider := NewBaseProvider(testConfig(), "fake", func(cfg storageConfig.StorageConfig, name string) (StorageConnection, error) {
		assert.Equal(t, "exports", cfg.BucketName)
		conn := &fakeConn{name: name}
		opened = append(opened, conn)
		return conn, nil
	})

	first, err := provider.GetConnection("lake")
	require.NoError(t, err)
	again, err := provider.GetConnection("lake")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Len(t, opened, 1)

	fresh, err := provider.ForceReconnect("lake")
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
	assert.True(t, opened[0].closed)

	_, err = provider.GetConnection("archive")
	assert.ErrorContains(t, err, "type mismatch")
	_, err = provider.GetConnection("broken")
	assert.ErrorContains(t, err, "must be a mapping")
	_, err = provider.GetConnection("missing")
	assert.ErrorContains(t, err, "not found")

	opened[1].closeErr = errors.New("boom")
	err = provider.CloseAll()
	assert.ErrorContains(t, err, "boom")
	assert.True(t, opened[1].closed)
}

func TestResolver_RoutesByType(t *testing.T) {
	cfg := testConfig()
	fake := NewBaseProvider(cfg, "fake", func(_ storageConfig.StorageConfig, name string) (StorageConnection, error) {
		return &fakeConn{name: name}, nil
	})
	r := NewResolver(ResolverParams{Providers: []StorageProvider{fake}, Cfg: cfg})

	conn, err := r.ResolveStorageConnection(context.Background(), "lake")
	require.NoError(t, err)
	assert.Equal(t, "lake", conn.Name())

	res, err := r.ResolveConnection(context.Background(), "lake")
	require.NoError(t, err)
	assert.Equal(t, "lake", res.Name())

	_, err = r.ResolveStorageConnection(context.Background(), "archive")
	assert.ErrorContains(t, err, "no storage provider found for type 'gcs'")

	assert.NoError(t, r.CloseAll())
}
