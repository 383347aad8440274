package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Tutortoise/face-embedding-service/config"
	"github.com/Tutortoise/face-embedding-service/faceembed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisConfig(t *testing.T) {
	c := &config.Config{
		Model: config.ModelConfig{
			Root:           "/models",
			Name:           "buffalo_m",
			DetSize:        320,
			DetThresh:      0.6,
			NMSThresh:      0.3,
			CtxID:          -1,
			PoolSize:       2,
			AcquireTimeout: time.Second,
		},
		Runtime: config.RuntimeConfig{IntraOpThreads: 3, InterOpThreads: 1},
	}

	ac := analysisConfig(c)
	assert.Equal(t, "/models", ac.ModelRoot)
	assert.Equal(t, "buffalo_m", ac.Name)
	assert.Equal(t, 320, ac.DetSize)
	assert.False(t, ac.Session.UseCUDA())
	assert.Equal(t, 3, ac.Session.IntraOpThreads)
	assert.Equal(t, 2, ac.PoolSize)
	assert.Equal(t, time.Second, ac.AcquireTimeout)
}

func TestRunEmbed_Remote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "photo.jpg", header.Filename)
		assert.Equal(t, "image", string(data))

		io.WriteString(w, `{"verified":true,"embedding":[1,2],"bbox":[0,0,10,10],"score":0.8,"face_count":1}`)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("image"), 0o600))

	embedURL = srv.URL
	t.Cleanup(func() { embedURL = "" })

	var out bytes.Buffer
	require.NoError(t, runEmbed(context.Background(), path, &out))

	var res faceembed.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.True(t, res.Verified)
	assert.Equal(t, 1, res.FaceCount)
}

func TestRunEmbed_RemoteNoFace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"message":"No face detected"}`)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "blank.png")
	require.NoError(t, os.WriteFile(path, []byte("image"), 0o600))

	embedURL = srv.URL
	t.Cleanup(func() { embedURL = "" })

	err := runEmbed(context.Background(), path, io.Discard)
	assert.ErrorIs(t, err, faceembed.ErrNoFaceDetected)
}

func TestRunEmbed_MissingFile(t *testing.T) {
	embedURL = "http://127.0.0.1:1"
	t.Cleanup(func() { embedURL = "" })

	err := runEmbed(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"), io.Discard)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
