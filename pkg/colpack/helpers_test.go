package colpack

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
)

func newTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	return prometheus.NewRegistry()
}

func newTestBucket(t *testing.T, path string, data []byte) objstore.Bucket {
	t.Helper()
	bucket := objstore.NewInMemBucket()
	require.NoError(t, bucket.Upload(context.Background(), path, bytes.NewReader(data)))
	return bucket
}
