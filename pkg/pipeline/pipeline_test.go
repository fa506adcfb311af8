package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-splitter/internal/config"
	"github.com/menta2k/image-splitter/pkg/retriever"
	"github.com/menta2k/image-splitter/pkg/types"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	files := map[string][]byte{
		"/bucket/photo.png":  pngBytes(t, 200, 100),
		"/bucket/narrow.png": pngBytes(t, 100, 50),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakePublisher struct {
	mu      sync.Mutex
	hints   []string
	spooled []string
	failAll error
}

func (f *fakePublisher) Publish(_ context.Context, data []byte, contentType, hint string) (*types.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, types.NewError(types.KindUpload, "put", hint, f.failAll)
	}
	f.hints = append(f.hints, hint)
	return &types.PublishResult{
		ObjectKey: hint,
		URL:       "http://store/bucket/" + hint,
		ByteSize:  int64(len(data)),
		Format:    strings.TrimPrefix(contentType, "image/"),
	}, nil
}

func (f *fakePublisher) PublishFile(ctx context.Context, path, contentType, hint string) (*types.PublishResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.KindUpload, "fput", hint, err)
	}
	f.mu.Lock()
	f.spooled = append(f.spooled, path)
	f.mu.Unlock()
	return f.Publish(ctx, data, contentType, hint)
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hints...)
}

func newTestPipeline(t *testing.T, pub *fakePublisher, mutate func(*Options)) *Pipeline {
	t.Helper()
	opts := Options{
		Fetcher:   retriever.New(retriever.Options{ForbidRedirect: true}),
		Publisher: pub,
		Policy:    types.DefaultPolicy(),
		Workers:   4,
		Prefix:    "cropped",
		Upload:    true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func TestSplit_FailedRegionDoesNotAbortSiblings(t *testing.T) {
	srv := imageServer(t)
	pub := &fakePublisher{}
	p := newTestPipeline(t, pub, nil)

	res, err := p.Split(context.Background(), SplitRequest{
		URL:         srv.URL + "/bucket/photo.png",
		Coordinates: [][]int{{0, 0, 50, 50}, {10, 10, 10, 40}, {100, 0, 300, 100}},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)

	assert.False(t, res.Success)
	assert.Equal(t, "1 of 3 units failed", res.Error)
	assert.NotEmpty(t, res.RunID)

	first, second, third := res.Results[0], res.Results[1], res.Results[2]
	assert.Equal(t, []int{1, 2, 3}, []int{first.Index, second.Index, third.Index})

	assert.True(t, first.Success)
	assert.Equal(t, string(StageDone), first.Stage)
	assert.Equal(t, 50, first.Width)
	require.NotNil(t, first.Publish)
	assert.Equal(t, "cropped_photo_1.jpg", first.Publish.ObjectKey)
	require.NotNil(t, first.Stats)
	assert.Equal(t, "jpeg", first.Stats.Format)

	assert.False(t, second.Success)
	assert.Equal(t, string(StageCropping), second.Stage)
	assert.Contains(t, second.Error, string(types.KindInvalidRectangle))
	assert.Nil(t, second.Publish)

	// x2 clamps to the image width
	assert.True(t, third.Success)
	assert.Equal(t, 100, third.Width)
	assert.Equal(t, 100, third.Height)
	assert.Equal(t, types.Rectangle{X1: 100, Y1: 0, X2: 300, Y2: 100}, *third.Rect)

	assert.ElementsMatch(t, []string{"cropped_photo_1.jpg", "cropped_photo_3.jpg"}, pub.published())
	assert.Equal(t, 2, res.Succeeded())
	assert.Len(t, res.URLs(), 2)
}

func TestSplit_ResultsInInputOrder(t *testing.T) {
	srv := imageServer(t)
	p := newTestPipeline(t, &fakePublisher{}, func(o *Options) { o.Workers = 3 })

	var boxes [][]int
	for i := 0; i < 12; i++ {
		boxes = append(boxes, []int{i * 10, 0, i*10 + 10 + i, 20 + i})
	}
	res, err := p.Split(context.Background(), SplitRequest{URL: srv.URL + "/bucket/photo.png", Coordinates: boxes})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	for i, r := range res.Results {
		assert.Equal(t, i+1, r.Index)
		assert.Equal(t, boxes[i][0], r.Rect.X1)
		assert.Equal(t, 10+i, r.Width)
		assert.Equal(t, 20+i, r.Height)
	}
}

func TestSplit_PrefixOverride(t *testing.T) {
	srv := imageServer(t)
	pub := &fakePublisher{}
	p := newTestPipeline(t, pub, nil)

	_, err := p.Split(context.Background(), SplitRequest{
		URL:         srv.URL + "/bucket/photo.png",
		Coordinates: "0,0,10,10",
		Prefix:      "tile",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tile_photo_1.jpg"}, pub.published())
}

func TestSplit_FetchFailureMarksEveryRegion(t *testing.T) {
	srv := imageServer(t)
	p := newTestPipeline(t, &fakePublisher{}, nil)

	res, err := p.Split(context.Background(), SplitRequest{
		URL:         srv.URL + "/bucket/missing.png",
		Coordinates: [][]int{{0, 0, 5, 5}, {5, 5, 9, 9}},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, string(types.KindTransport))
	for _, r := range res.Results {
		assert.False(t, r.Success)
		assert.Equal(t, string(StageFetching), r.Stage)
	}
}

func TestSplit_MalformedCoordinates(t *testing.T) {
	srv := imageServer(t)
	p := newTestPipeline(t, &fakePublisher{}, nil)

	res, err := p.Split(context.Background(), SplitRequest{URL: srv.URL + "/bucket/photo.png", Coordinates: "left,top"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, string(types.KindMalformedInput))
	assert.Empty(t, res.Results)
}

func TestSplit_Misuse(t *testing.T) {
	p := newTestPipeline(t, &fakePublisher{}, nil)

	_, err := p.Split(context.Background(), SplitRequest{Coordinates: "1,2,3,4"})
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = p.Split(context.Background(), SplitRequest{URL: "http://example.com/a.png"})
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestSplit_UploadFailureIsReportedPerRegion(t *testing.T) {
	srv := imageServer(t)
	pub := &fakePublisher{failAll: assert.AnError}
	p := newTestPipeline(t, pub, nil)

	res, err := p.Split(context.Background(), SplitRequest{URL: srv.URL + "/bucket/photo.png", Coordinates: []int{0, 0, 10, 10}})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.False(t, res.Success)
	assert.Equal(t, string(StagePublishing), res.Results[0].Stage)
	assert.Contains(t, res.Error, string(types.KindUpload))
}

func TestSplit_SpoolFilesRemoved(t *testing.T) {
	srv := imageServer(t)
	spool := t.TempDir()

	for _, failing := range []bool{false, true} {
		pub := &fakePublisher{}
		if failing {
			pub.failAll = assert.AnError
		}
		p := newTestPipeline(t, pub, func(o *Options) { o.SpoolDir = spool })

		res, err := p.Split(context.Background(), SplitRequest{
			URL:         srv.URL + "/bucket/photo.png",
			Coordinates: [][]int{{0, 0, 20, 20}, {20, 20, 40, 40}},
		})
		require.NoError(t, err)
		assert.Equal(t, !failing, res.Success)
		assert.Len(t, pub.spooled, 2)

		entries, err := os.ReadDir(spool)
		require.NoError(t, err)
		assert.Empty(t, entries, "spool must be empty (failing=%v)", failing)
	}
}

func TestSplit_LocalOutput(t *testing.T) {
	srv := imageServer(t)
	dir := filepath.Join(t.TempDir(), "out")
	p := newTestPipeline(t, nil, func(o *Options) {
		o.Publisher = nil
		o.Upload = false
		o.LocalDir = dir
	})

	res, err := p.Split(context.Background(), SplitRequest{URL: srv.URL + "/bucket/photo.png", Coordinates: []int{0, 0, 30, 30}})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	path := res.Results[0].LocalPath
	require.NotEmpty(t, path)
	assert.FileExists(t, path)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "cropped_photo_1_"))
	assert.Nil(t, res.Results[0].Publish)
}

func TestSplit_StatsMeasuredAgainstWholeSource(t *testing.T) {
	srv := imageServer(t)
	sourceSize := int64(len(pngBytes(t, 200, 100)))
	p := newTestPipeline(t, &fakePublisher{}, nil)

	res, err := p.Split(context.Background(), SplitRequest{
		URL:         srv.URL + "/bucket/photo.png",
		Coordinates: [][]int{{0, 0, 20, 20}, {0, 0, 200, 100}},
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	for _, r := range res.Results {
		require.NotNil(t, r.Stats)
		assert.Equal(t, sourceSize, r.Stats.SourceSize)
		assert.Equal(t, r.Publish.ByteSize, r.Stats.CompressedSize)
	}
	assert.Greater(t, res.Results[0].Stats.Ratio, res.Results[1].Stats.Ratio)
}

func TestCompress_Merge(t *testing.T) {
	srv := imageServer(t)
	pub := &fakePublisher{}
	p := newTestPipeline(t, pub, nil)

	res, err := p.Compress(context.Background(), CompressRequest{
		URLs: []string{srv.URL + "/bucket/photo.png", srv.URL + "/bucket/narrow.png"},
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Results, 1)

	r := res.Results[0]
	// narrow.png is scaled from 100x50 to 200x100 before stacking
	assert.Equal(t, 200, r.Width)
	assert.Equal(t, 200, r.Height)
	assert.Equal(t, []string{"merged_photo.jpg"}, pub.published())
	assert.Len(t, res.Inputs, 2)
}

func TestCompress_SingleKeepsSourceFormat(t *testing.T) {
	srv := imageServer(t)
	pub := &fakePublisher{}
	p := newTestPipeline(t, pub, nil)

	res, err := p.Compress(context.Background(), CompressRequest{URLs: []string{srv.URL + "/bucket/photo.png"}})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "png", res.Results[0].Publish.Format)
	assert.Equal(t, []string{"photo.png"}, pub.published())
}

func TestCompress_OutputName(t *testing.T) {
	srv := imageServer(t)
	pub := &fakePublisher{}
	p := newTestPipeline(t, pub, nil)

	res, err := p.Compress(context.Background(), CompressRequest{
		URLs:       []string{srv.URL + "/bucket/photo.png", srv.URL + "/bucket/narrow.png"},
		OutputName: "combo.jpeg",
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"combo.jpg"}, pub.published())
}

func TestCompress_Errors(t *testing.T) {
	srv := imageServer(t)
	p := newTestPipeline(t, &fakePublisher{}, nil)

	_, err := p.Compress(context.Background(), CompressRequest{})
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = p.Compress(context.Background(), CompressRequest{URLs: []string{"a", "b", "c"}})
	assert.Error(t, err)

	res, err := p.Compress(context.Background(), CompressRequest{
		URLs: []string{srv.URL + "/bucket/photo.png", srv.URL + "/bucket/gone.png"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, string(StageFetching), res.Results[0].Stage)
	assert.Contains(t, res.Error, "404")
}

func TestCompressFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), pngBytes(t, 20, 20), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), pngBytes(t, 30, 10), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("nope"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0644))

	pub := &fakePublisher{}
	p := newTestPipeline(t, pub, nil)

	res, err := p.CompressFiles(context.Background(), []string{dir})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)

	assert.True(t, res.Results[0].Success)
	assert.True(t, res.Results[1].Success)
	assert.Equal(t, 30, res.Results[1].Width)
	assert.False(t, res.Results[2].Success)
	assert.Contains(t, res.Results[2].Error, string(types.KindDecode))
	assert.ElementsMatch(t, []string{"a.png", "b.png"}, pub.published())

	_, err = p.CompressFiles(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = p.CompressFiles(context.Background(), []string{t.TempDir()})
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestCompressFiles_SameNameLocalOutputsDoNotCollide(t *testing.T) {
	root := t.TempDir()
	var paths []string
	for i := 0; i < 8; i++ {
		dir := filepath.Join(root, fmt.Sprintf("dir_%d", i))
		require.NoError(t, os.MkdirAll(dir, 0755))
		path := filepath.Join(dir, "photo.png")
		require.NoError(t, os.WriteFile(path, pngBytes(t, 16, 16), 0644))
		paths = append(paths, path)
	}

	out := filepath.Join(root, "out")
	p := newTestPipeline(t, nil, func(o *Options) {
		o.Publisher = nil
		o.Upload = false
		o.LocalDir = out
		o.Workers = 8
	})

	res, err := p.CompressFiles(context.Background(), paths)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	distinct := map[string]bool{}
	for _, r := range res.Results {
		distinct[r.LocalPath] = true
	}
	assert.Len(t, distinct, 8)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 8)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Upload: true, Publisher: &fakePublisher{}})
	assert.Error(t, err, "fetcher required")

	_, err = New(Options{Fetcher: retriever.New(retriever.Options{}), Upload: true})
	assert.Error(t, err, "publisher required")

	_, err = New(Options{Fetcher: retriever.New(retriever.Options{})})
	assert.Error(t, err, "local dir required")
}

func TestCanTransition(t *testing.T) {
	path := []Stage{StageIdle, StageNegotiating, StageFetching, StageCropping, StageCompressing, StagePublishing, StageDone}
	for i := 0; i+1 < len(path); i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
	assert.True(t, CanTransition(StageFetching, StageMerging))
	assert.True(t, CanTransition(StageMerging, StageCompressing))

	assert.False(t, CanTransition(StageIdle, StageFailed))
	assert.True(t, CanTransition(StageCompressing, StageFailed))
	assert.False(t, CanTransition(StageDone, StageFailed))
	assert.False(t, CanTransition(StageCropping, StagePublishing))
	assert.False(t, CanTransition(StageDone, StageIdle))
}

func TestInferStorage(t *testing.T) {
	cfg := config.Default().Storage

	got := InferStorage(cfg, "https://files.example.com:9443/photos/2024/a.png", discard())
	assert.Equal(t, StorageTarget{Endpoint: "files.example.com:9443", Bucket: "photos", Secure: true, Inferred: true}, got)

	got = InferStorage(cfg, "not a url", discard())
	assert.Equal(t, StorageTarget{Endpoint: cfg.Endpoint, Bucket: cfg.Bucket}, got)

	cfg.AutoInferFromURL = false
	got = InferStorage(cfg, "https://files.example.com/photos/a.png", discard())
	assert.False(t, got.Inferred)
	assert.Equal(t, cfg.Endpoint, got.Endpoint)
}

func TestOpen_NegotiatesInferredEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	cfg := config.Default()
	p, err := Open(context.Background(), cfg, "https://"+host+"/photos/a.png", nil)
	require.NoError(t, err)

	assert.False(t, p.opts.Security.Secure, "https guess flips against a plaintext endpoint")
	assert.Equal(t, "photos", p.opts.Bucket)
	assert.Equal(t, host, p.opts.Security.Endpoint())
	assert.NotNil(t, p.opts.Publisher)
}

func TestOpen_StalledStoreFailsWithinTimeout(t *testing.T) {
	src := imageServer(t)
	release := make(chan struct{})
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(store.Close)
	t.Cleanup(func() { close(release) })

	cfg := config.Default()
	cfg.Storage.Endpoint = strings.TrimPrefix(store.URL, "http://")
	cfg.Storage.AutoInferFromURL = false
	cfg.Storage.Preflight = false
	cfg.Storage.Timeout = config.Timeout{Total: 300 * time.Millisecond}

	p, err := Open(context.Background(), cfg, "", discard())
	require.NoError(t, err)

	start := time.Now()
	res, err := p.Split(context.Background(), SplitRequest{URL: src.URL + "/bucket/photo.png", Coordinates: []int{0, 0, 10, 10}})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.False(t, res.Success)
	assert.Equal(t, string(StagePublishing), res.Results[0].Stage)
	assert.Contains(t, res.Error, string(types.KindUpload))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOpen_LocalOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Upload = false
	cfg.Output.LocalDir = t.TempDir()

	p, err := Open(context.Background(), cfg, "", nil)
	require.NoError(t, err)
	assert.Nil(t, p.opts.Publisher)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Compression.Quality = 500
	_, err := Open(context.Background(), cfg, "", nil)
	assert.Error(t, err)
}

func TestSourceStem(t *testing.T) {
	assert.Equal(t, "photo", sourceStem("http://h/b/photo.png"))
	assert.Equal(t, "image", sourceStem("http://h/"))
	assert.Equal(t, "photo.png", sourceName("http://h/b/photo.png?x=1"))
}
