package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)
}

func TestObjectNameJoinsPrefix(t *testing.T) {
	t.Parallel()

	s, err := New(&storage.Client{}, Config{Bucket: "b", Prefix: "/exports/"})
	require.NoError(t, err)
	require.Equal(t, "exports/run-1/movies.csv", s.ObjectName("run-1/movies.csv"))

	bare, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	require.Equal(t, "movies.csv", bare.ObjectName("movies.csv"))
	require.NoError(t, bare.Close())
}

func TestPutObjectRequiresName(t *testing.T) {
	t.Parallel()

	s, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = s.PutObject(context.Background(), " ", "text/csv", nil)
	require.Error(t, err)
}
