// Package pipeline wires the API client, the table transforms, the snapshot
// store and the mirrors into the collect and reduce stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"

	"battlelog/internal/clash"
	"battlelog/internal/config"
	"battlelog/internal/consolidate"
	"battlelog/internal/db"
	"battlelog/internal/logging"
	"battlelog/internal/metrics"
	"battlelog/internal/normalize"
	"battlelog/internal/parse"
	"battlelog/internal/storage"
	"battlelog/internal/table"
)

// canonicalSnapshot names the previous canonical table when it is fed back
// into a reduce.
const canonicalSnapshot = "canonical"

// Fetcher returns the raw battle log of a player.
type Fetcher interface {
	FetchBattleLog(ctx context.Context, playerTag string) ([]byte, error)
}

// Pipeline runs the stages for one configuration. Each Pipeline has its own
// run id, attached to every log event.
type Pipeline struct {
	cfg        *config.Config
	store      *storage.Store
	fetcher    Fetcher
	publishers []db.Publisher
	metrics    *metrics.Collector
	log        *logging.ComponentLogger
	runID      string
	now        func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithFetcher replaces the API client
func WithFetcher(f Fetcher) Option {
	return func(p *Pipeline) { p.fetcher = f }
}

// WithPublishers sets the mirrors updated after each reduce. The pipeline
// closes them in Close.
func WithPublishers(pubs ...db.Publisher) Option {
	return func(p *Pipeline) { p.publishers = append(p.publishers, pubs...) }
}

// WithLogger sets the base logger; the run id is added to it.
func WithLogger(log *logging.ComponentLogger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithClock sets the clock used for snapshot names and metrics
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New validates cfg and opens the snapshot store.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:   cfg,
		runID: uuid.NewString(),
		log:   logging.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithRun(p.runID)
	p.metrics = metrics.NewCollector(p.log)

	storeOpts := cfg.StoreOptions()
	storeOpts.Logger = p.log.Logger()
	storeOpts.Now = p.now
	store, err := storage.NewStore(cfg.DataDir, storeOpts)
	if err != nil {
		return nil, err
	}
	p.store = store
	return p, nil
}

func (p *Pipeline) RunID() string { return p.runID }

func (p *Pipeline) Store() *storage.Store { return p.store }

func (p *Pipeline) Metrics() *metrics.Collector { return p.metrics }

// Close releases the mirrors
func (p *Pipeline) Close() error {
	var errs []error
	for _, pub := range p.publishers {
		if err := pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", pub.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CollectResult describes the snapshot written by Collect. Path is empty
// when the API returned no battles.
type CollectResult struct {
	Path    string
	Battles int64
	Rows    int64
}

// Collect fetches the player's battle log, flattens it and writes it as a
// new snapshot.
func (p *Pipeline) Collect(ctx context.Context) (*CollectResult, error) {
	if err := p.cfg.ValidateFetch(); err != nil {
		return nil, err
	}
	start := p.now()
	res, err := p.collect(ctx)
	p.metrics.ObserveStage("collect", p.now().Sub(start))
	if err != nil {
		p.metrics.RecordError("collect")
		p.flushMetrics()
		return nil, err
	}
	p.flushMetrics()
	return res, nil
}

func (p *Pipeline) collect(ctx context.Context) (*CollectResult, error) {
	fetcher, err := p.apiClient()
	if err != nil {
		return nil, err
	}

	fetchStart := time.Now()
	raw, err := fetcher.FetchBattleLog(ctx, p.cfg.PlayerTag)
	if err != nil {
		return nil, fmt.Errorf("fetch battle log: %w", err)
	}
	p.log.LogFetch(p.cfg.PlayerTag, len(raw), time.Since(fetchStart))

	parsed, err := parse.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse battle log: %w", err)
	}
	defer parsed.Release()
	p.metrics.RecordFetch(int(parsed.NumRows()))

	flat, err := normalize.New(normalize.WithLogger(p.log)).Normalize(parsed)
	if err != nil {
		return nil, fmt.Errorf("normalize battle log: %w", err)
	}
	defer flat.Release()

	res := &CollectResult{Battles: parsed.NumRows(), Rows: flat.NumRows()}
	if flat.NumRows() == 0 {
		p.log.Warn().Str("player_tag", p.cfg.PlayerTag).Msg("No battles returned, nothing to store")
		return res, nil
	}

	res.Path, err = p.store.WriteSnapshot(flat)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordSnapshot(flat.NumRows())
	p.log.LogSnapshotWritten(res.Path, res.Battles, res.Rows)
	return res, nil
}

func (p *Pipeline) apiClient() (Fetcher, error) {
	if p.fetcher != nil {
		return p.fetcher, nil
	}
	client, err := clash.NewClient(p.cfg.APIToken,
		clash.WithBaseURL(p.cfg.APIBaseURL),
		clash.WithTimeout(p.cfg.HTTPTimeout),
		clash.WithLogger(p.log.Logger()),
	)
	if err != nil {
		return nil, err
	}
	p.fetcher = client
	return client, nil
}

// ReduceResult describes the canonical table written by Reduce.
type ReduceResult struct {
	Canonical string
	Inputs    []string
	Stats     consolidate.Stats
	Audit     []consolidate.SnapshotAudit
	Published map[string]int64
	Archived  []string
}

// Reduce consolidates every snapshot (and the previous canonical table when
// configured) into a new canonical table, then updates the mirrors and
// archives the consumed snapshots. A failing mirror does not undo the
// canonical table; its error is returned alongside the result.
func (p *Pipeline) Reduce(ctx context.Context) (*ReduceResult, error) {
	start := p.now()
	res, err := p.reduce(ctx)
	p.metrics.ObserveStage("reduce", p.now().Sub(start))
	if err != nil {
		p.metrics.RecordError("reduce")
	} else {
		p.metrics.MarkSuccess(p.now())
	}
	p.flushMetrics()
	return res, err
}

func (p *Pipeline) reduce(ctx context.Context) (*ReduceResult, error) {
	paths, err := p.store.Snapshots()
	if err != nil {
		return nil, err
	}

	snapshots, err := p.readInputs(ctx, paths)
	defer func() {
		for _, s := range snapshots {
			s.Record.Release()
		}
	}()
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, &table.EmptyInputError{}
	}

	started := time.Now()
	sink := p.store.CanonicalSink()
	c := consolidate.New(consolidate.WithLogger(p.log.Logger()))
	result, err := c.Consolidate(ctx, snapshots, sink)
	if err != nil {
		return nil, fmt.Errorf("consolidate: %w", err)
	}
	defer result.Release()

	for _, a := range result.Audit {
		p.log.LogSchemaAudit(a.Snapshot, a.Absent, len(a.SuspectedRenames))
	}
	p.log.LogConsolidation(result.Stats.Snapshots, result.Stats.RowsIn, result.Stats.RowsOut, time.Since(started))
	p.metrics.RecordConsolidation(result.Stats)

	res := &ReduceResult{
		Canonical: sink.Path(),
		Stats:     result.Stats,
		Audit:     result.Audit,
		Published: make(map[string]int64),
	}
	for _, s := range snapshots {
		res.Inputs = append(res.Inputs, s.Name)
	}

	pubErr := p.publish(ctx, result.Record, res)

	if p.cfg.ArchiveSnapshots {
		for _, path := range paths {
			cold, err := p.store.Archive(path)
			if err != nil {
				return res, errors.Join(pubErr, err)
			}
			res.Archived = append(res.Archived, cold)
		}
	}
	return res, pubErr
}

// readInputs loads the previous canonical table (if enabled) followed by
// the snapshots, oldest first. Records read before a failure are returned
// so the caller can release them.
func (p *Pipeline) readInputs(ctx context.Context, paths []string) ([]consolidate.Snapshot, error) {
	var out []consolidate.Snapshot
	if p.cfg.IncludeCanonical && p.store.HasCanonical() {
		rec, err := p.store.ReadSnapshot(ctx, p.store.CanonicalPath())
		if err != nil {
			return out, fmt.Errorf("read canonical table: %w", err)
		}
		out = append(out, consolidate.Snapshot{Name: canonicalSnapshot, Record: rec})
	}
	for _, path := range paths {
		rec, err := p.store.ReadSnapshot(ctx, path)
		if err != nil {
			return out, fmt.Errorf("read snapshot %s: %w", filepath.Base(path), err)
		}
		out = append(out, consolidate.Snapshot{Name: filepath.Base(path), Record: rec})
	}
	return out, nil
}

func (p *Pipeline) publish(ctx context.Context, rec arrow.Record, res *ReduceResult) error {
	var errs []error
	for _, pub := range p.publishers {
		n, err := pub.Publish(ctx, rec)
		p.log.LogPublish(pub.Name(), n, err)
		p.metrics.RecordPublish(pub.Name(), n, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", pub.Name(), err))
			continue
		}
		res.Published[pub.Name()] = n
	}
	return errors.Join(errs...)
}

// Run collects one snapshot and then reduces.
func (p *Pipeline) Run(ctx context.Context) (*CollectResult, *ReduceResult, error) {
	collected, err := p.Collect(ctx)
	if err != nil {
		return nil, nil, err
	}
	reduced, err := p.Reduce(ctx)
	return collected, reduced, err
}

func (p *Pipeline) flushMetrics() {
	if err := p.metrics.WriteTextfile(p.cfg.MetricsFile); err != nil {
		p.log.Warn().Err(err).Msg("Failed to write metrics")
	}
}
