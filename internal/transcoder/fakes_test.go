package transcoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/judgehub/videopipe/internal/storage"
	"github.com/judgehub/videopipe/pkg/models"
)

// fakeRunner records invocations and delegates to fn
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(name string, args []string) ([]byte, error)
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()
	if r.fn == nil {
		return nil, nil
	}
	return r.fn(name, args)
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func writePNG(path string, w, h int) error {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// writeTierFiles emulates ffmpeg HLS output for the playlist argument
func writeTierFiles(playlist string, segments int) error {
	dir := filepath.Dir(playlist)
	name := strings.TrimSuffix(filepath.Base(playlist), ".m3u8")
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for i := 0; i < segments; i++ {
		seg := fmt.Sprintf("%s_%03d.ts", name, i)
		if err := os.WriteFile(filepath.Join(dir, seg), []byte("segment"), 0644); err != nil {
			return err
		}
		fmt.Fprintf(&b, "#EXTINF:2.0,\n%s\n", seg)
	}
	return os.WriteFile(playlist, []byte(b.String()), 0644)
}

// memRecords is an in-memory Records store
type memRecords struct {
	mu         sync.Mutex
	jobs       map[string]*models.Job
	renditions map[string]map[string]models.Rendition
	statuses   []models.JobStatus
	progress   []int
	failSave   error
}

func newMemRecords() *memRecords {
	return &memRecords{
		jobs:       make(map[string]*models.Job),
		renditions: make(map[string]map[string]models.Rendition),
	}
}

func recordKey(kind models.RecordKind, id string) string {
	return string(kind) + ":" + id
}

func (m *memRecords) add(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[recordKey(job.Kind, job.ID)] = &cp
}

func (m *memRecords) get(kind models.RecordKind, id string) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.jobs[recordKey(kind, id)]
	return &cp
}

func (m *memRecords) Load(ctx context.Context, kind models.RecordKind, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[recordKey(kind, id)]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memRecords) SaveStatus(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	cp := *job
	m.jobs[recordKey(job.Kind, job.ID)] = &cp
	m.statuses = append(m.statuses, job.Status)
	return nil
}

func (m *memRecords) SaveProgress(ctx context.Context, kind models.RecordKind, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[recordKey(kind, id)].Progress = progress
	m.progress = append(m.progress, progress)
	return nil
}

func (m *memRecords) SaveMediaInfo(ctx context.Context, kind models.RecordKind, id string, info *models.MediaInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[recordKey(kind, id)].MediaInfo = info
	return nil
}

func (m *memRecords) SaveThumbnail(ctx context.Context, kind models.RecordKind, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[recordKey(kind, id)].ThumbnailKey = key
	return nil
}

func (m *memRecords) UpsertRenditions(ctx context.Context, kind models.RecordKind, id string, renditions []models.Rendition) ([]models.Rendition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey(kind, id)
	if m.renditions[k] == nil {
		m.renditions[k] = make(map[string]models.Rendition)
	}
	current := make(map[string]bool)
	for _, r := range renditions {
		m.renditions[k][r.Quality] = r
		current[r.Quality] = true
	}
	var retired []models.Rendition
	for q, r := range m.renditions[k] {
		if !current[q] && r.Ready {
			r.Ready = false
			m.renditions[k][q] = r
			retired = append(retired, r)
		}
	}
	return retired, nil
}

// memStore is an in-memory ObjectStore keyed by bucket/key
type memStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	uploadErr   func(key string) error
	existsErr   error
	downloadErr error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) put(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
}

func (m *memStore) has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"/"+key]
	return ok
}

func (m *memStore) keys(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, bucket+"/") {
			out = append(out, strings.TrimPrefix(k, bucket+"/"))
		}
	}
	return out
}

func (m *memStore) Download(ctx context.Context, bucket, key, destPath string) error {
	if m.downloadErr != nil {
		return m.downloadErr
	}
	m.mu.Lock()
	data, ok := m.objects[bucket+"/"+key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("download: %w", storage.ErrNotFound)
	}
	return os.WriteFile(destPath, data, 0644)
}

func (m *memStore) Upload(ctx context.Context, bucket, key, srcPath string, opts storage.PutOptions) error {
	if m.uploadErr != nil {
		if err := m.uploadErr(key); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	m.put(bucket, key, data)
	return nil
}

func (m *memStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.has(bucket, key), nil
}

func (m *memStore) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

func (m *memStore) URL(bucket, key string) string {
	return "http://storage/" + bucket + "/" + key
}

// fakeProber returns a fixed MediaInfo
type fakeProber struct {
	info *models.MediaInfo
	err  error
}

func (p *fakeProber) Probe(ctx context.Context, path string) (*models.MediaInfo, error) {
	if p.err != nil {
		return nil, p.err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	cp := *p.info
	return &cp, nil
}

// fakeThumbnails writes a small file or reports failure
type fakeThumbnails struct {
	ok   bool
	opts []ThumbnailOptions
}

func (t *fakeThumbnails) GenerateThumbnail(ctx context.Context, opts ThumbnailOptions) bool {
	t.opts = append(t.opts, opts)
	if !t.ok {
		return false
	}
	return os.WriteFile(opts.OutputPath, []byte("jpeg"), 0644) == nil
}

// fakeEncoder writes HLS files for every tier not listed in fail, going
// through the real concurrency and callback plumbing
type fakeEncoder struct {
	fail    map[string]bool
	scratch []string
	mu      sync.Mutex
}

func (e *fakeEncoder) EncodeRenditions(ctx context.Context, input string, tiers []models.QualityTier, outDir string, maxConcurrent int, onDone TierCallback) []TierResult {
	e.mu.Lock()
	e.scratch = append(e.scratch, filepath.Dir(outDir))
	e.mu.Unlock()

	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		playlist := args[len(args)-1]
		tier := strings.TrimSuffix(filepath.Base(playlist), ".m3u8")
		if e.fail[tier] {
			return nil, errors.New("exit status 1")
		}
		return nil, writeTierFiles(playlist, 2)
	}}
	ff := NewFFmpeg("ffmpeg", "ffprobe", WithRunner(runner))
	return ff.EncodeRenditions(ctx, input, tiers, outDir, maxConcurrent, onDone)
}

// fakeSink records published progress
type fakeSink struct {
	mu      sync.Mutex
	updates []int
	last    models.JobStatus
}

func (s *fakeSink) PublishProgress(ctx context.Context, kind models.RecordKind, id string, status models.JobStatus, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, progress)
	s.last = status
	return nil
}

// fakeLocker grants or denies every lock
type fakeLocker struct {
	deny     bool
	err      error
	released []string
}

func (l *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l.err != nil {
		return "", false, l.err
	}
	if l.deny {
		return "", false, nil
	}
	return "token-" + key, true, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, key, token string) error {
	if token != "token-"+key {
		return fmt.Errorf("release %s with foreign token %q", key, token)
	}
	l.released = append(l.released, key)
	return nil
}
