package main

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments/localdb"
	"github.com/embeddingstudio/embeddingstudio/studio-go/modelstore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadAndDownload(t *testing.T) {
	ctx := context.Background()
	dir, err := ioutil.TempDir("", "upload-initial-model")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	db, err := localdb.OpenMem()
	require.NoError(t, err)
	defer db.Close()
	store := modelstore.NewFsStore(afero.NewMemMapFs(), "/models")

	newManager := func() *experiments.Manager {
		m, err := experiments.NewManager(db, store, experiments.Options{MainMetric: "quality"})
		require.NoError(t, err)
		return m
	}

	src := filepath.Join(dir, "model.bin")
	require.NoError(t, ioutil.WriteFile(src, []byte("weights"), 0644))
	require.NoError(t, run(ctx, newManager(), args{Model: src}))

	dst := filepath.Join(dir, "downloaded.bin")
	require.NoError(t, run(ctx, newManager(), args{Model: dst, Download: true}))
	data, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestDownloadWithoutModel(t *testing.T) {
	db, err := localdb.OpenMem()
	require.NoError(t, err)
	defer db.Close()

	m, err := experiments.NewManager(db, modelstore.NewFsStore(afero.NewMemMapFs(), "/models"), experiments.Options{MainMetric: "quality"})
	require.NoError(t, err)

	err = run(context.Background(), m, args{Model: "unused", Download: true})
	assert.Error(t, err)
}
