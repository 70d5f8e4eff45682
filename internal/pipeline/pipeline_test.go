package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battlelog/internal/clash"
	"battlelog/internal/config"
	"battlelog/internal/db"
	"battlelog/internal/table"
)

type stubFetcher struct {
	bodies [][]byte
	err    error
	calls  int
}

func (s *stubFetcher) FetchBattleLog(ctx context.Context, tag string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	body := s.bodies[min(s.calls, len(s.bodies)-1)]
	s.calls++
	return body, nil
}

func fixture(t *testing.T) []byte {
	t.Helper()
	raw, err := os.ReadFile("testdata/battlelog.json")
	require.NoError(t, err)
	return raw
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		APIToken:       "tok",
		PlayerTag:      "#JJV92QG2V",
		APIBaseURL:     clash.DefaultBaseURL,
		HTTPTimeout:    5 * time.Second,
		DataDir:        t.TempDir(),
		SnapshotPrefix: "battlelog",
		CanonicalName:  "battlelog_final.parquet",
		Compression:    "snappy",
	}
}

// ticker returns a clock advancing one minute per call.
func ticker() func() time.Time {
	now := time.Date(2024, 11, 4, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(cfg, append([]Option{WithClock(ticker())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compression = "lz5"
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrCompressionUnknown)
}

func TestRunIDIsUnique(t *testing.T) {
	cfg := testConfig(t)
	a := newTestPipeline(t, cfg)
	b := newTestPipeline(t, cfg)
	assert.NotEmpty(t, a.RunID())
	assert.NotEqual(t, a.RunID(), b.RunID())
}

func TestCollectWritesSnapshot(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg, WithFetcher(&stubFetcher{bodies: [][]byte{fixture(t)}}))

	res, err := p.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Battles)
	assert.Equal(t, int64(2), res.Rows)
	assert.FileExists(t, res.Path)

	snaps, err := p.Store().Snapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{res.Path}, snaps)
}

func TestCollectRequiresToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIToken = ""
	p := newTestPipeline(t, cfg, WithFetcher(&stubFetcher{bodies: [][]byte{fixture(t)}}))

	_, err := p.Collect(context.Background())
	assert.ErrorIs(t, err, config.ErrTokenMissing)
}

func TestCollectEmptyBattleLog(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg, WithFetcher(&stubFetcher{bodies: [][]byte{[]byte(`[]`)}}))

	res, err := p.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Path)

	snaps, err := p.Store().Snapshots()
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestCollectErrors(t *testing.T) {
	t.Run("fetch", func(t *testing.T) {
		p := newTestPipeline(t, testConfig(t), WithFetcher(&stubFetcher{err: clash.ErrPlayerNotFound}))
		_, err := p.Collect(context.Background())
		assert.ErrorIs(t, err, clash.ErrPlayerNotFound)
	})

	t.Run("parse", func(t *testing.T) {
		p := newTestPipeline(t, testConfig(t), WithFetcher(&stubFetcher{bodies: [][]byte{[]byte(`[{"team": `)}}))
		_, err := p.Collect(context.Background())
		var perr *table.ParseError
		assert.True(t, errors.As(err, &perr))
	})

	t.Run("normalize", func(t *testing.T) {
		p := newTestPipeline(t, testConfig(t), WithFetcher(&stubFetcher{bodies: [][]byte{[]byte(`[{"battleTime": "x"}]`)}}))
		_, err := p.Collect(context.Background())
		var merr *table.SchemaMismatchError
		assert.True(t, errors.As(err, &merr))
	})
}

func TestReduceDeduplicatesSnapshots(t *testing.T) {
	cfg := testConfig(t)
	sqlite, err := db.OpenSQLite(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	p := newTestPipeline(t, cfg,
		WithFetcher(&stubFetcher{bodies: [][]byte{fixture(t)}}),
		WithPublishers(sqlite),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.Collect(ctx)
		require.NoError(t, err)
	}

	res, err := p.Reduce(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Inputs, 2)
	assert.Equal(t, int64(4), res.Stats.RowsIn)
	assert.Equal(t, int64(2), res.Stats.ExactDuplicates)
	assert.Equal(t, int64(2), res.Stats.RowsOut)
	assert.FileExists(t, res.Canonical)
	assert.Equal(t, int64(2), res.Published["sqlite"])
	assert.Empty(t, res.Archived)

	var winners []string
	rows, err := sqlite.DB().Query(`SELECT "winner" FROM battles ORDER BY "battleTime" DESC`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var w string
		require.NoError(t, rows.Scan(&w))
		winners = append(winners, w)
	}
	assert.Equal(t, []string{"team", "opponent"}, winners)
}

func TestReduceFeedsBackCanonicalAndArchives(t *testing.T) {
	cfg := testConfig(t)
	cfg.IncludeCanonical = true
	cfg.ArchiveSnapshots = true

	later := bytes.ReplaceAll(fixture(t), []byte("20241103T201512.000Z"), []byte("20241105T090000.000Z"))
	p := newTestPipeline(t, cfg, WithFetcher(&stubFetcher{bodies: [][]byte{fixture(t), later}}))
	ctx := context.Background()

	_, err := p.Collect(ctx)
	require.NoError(t, err)
	first, err := p.Reduce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Stats.RowsOut)
	require.Len(t, first.Archived, 1)
	assert.FileExists(t, first.Archived[0])

	snaps, err := p.Store().Snapshots()
	require.NoError(t, err)
	assert.Empty(t, snaps)

	_, err = p.Collect(ctx)
	require.NoError(t, err)
	second, err := p.Reduce(ctx)
	require.NoError(t, err)
	assert.Equal(t, canonicalSnapshot, second.Inputs[0])
	assert.Len(t, second.Inputs, 2)
	assert.Equal(t, int64(3), second.Stats.RowsOut)
}

func TestReduceWithoutSnapshots(t *testing.T) {
	p := newTestPipeline(t, testConfig(t))
	_, err := p.Reduce(context.Background())
	var empty *table.EmptyInputError
	assert.True(t, errors.As(err, &empty))
}

type failingPublisher struct{}

func (failingPublisher) Name() string { return "broken" }
func (failingPublisher) Close() error { return nil }
func (failingPublisher) Publish(context.Context, arrow.Record) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestReduceReportsPublishFailure(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg,
		WithFetcher(&stubFetcher{bodies: [][]byte{fixture(t)}}),
		WithPublishers(failingPublisher{}),
	)
	ctx := context.Background()
	_, err := p.Collect(ctx)
	require.NoError(t, err)

	res, err := p.Reduce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish broken")
	require.NotNil(t, res)
	assert.FileExists(t, res.Canonical)
}

func TestRunAgainstAPI(t *testing.T) {
	raw := fixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/players/%23JJV92QG2V/battlelog" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write(raw)
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.APIBaseURL = server.URL
	cfg.MetricsFile = filepath.Join(t.TempDir(), "battlelog.prom")
	p := newTestPipeline(t, cfg)

	collected, reduced, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), collected.Rows)
	assert.Equal(t, int64(2), reduced.Stats.RowsOut)

	body, err := os.ReadFile(cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(body), "battlelog_canonical_rows 2")
	assert.Contains(t, string(body), "battlelog_battles_fetched_total 2")
}

func TestOpenPublishersSQLite(t *testing.T) {
	pubs, err := OpenPublishers(context.Background(), config.PublishConfig{
		SQLitePath: filepath.Join(t.TempDir(), "mirror.db"),
	}, "")
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, "sqlite", pubs[0].Name())
	assert.NoError(t, pubs[0].Close())

	pubs, err = OpenPublishers(context.Background(), config.PublishConfig{}, "")
	require.NoError(t, err)
	assert.Empty(t, pubs)
}
