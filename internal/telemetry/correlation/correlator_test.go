package correlation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/tracealign/internal/config"
	"github.com/lvonguyen/tracealign/internal/telemetry"
	"github.com/lvonguyen/tracealign/internal/telemetry/binning"
	"github.com/lvonguyen/tracealign/internal/telemetry/extraction"
	"github.com/lvonguyen/tracealign/internal/telemetry/ingestion"
)

type fakeRecorder struct {
	mu     sync.Mutex
	runs   []string
	series map[string]int
}

func (f *fakeRecorder) ObserveRun(status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, status)
}

func (f *fakeRecorder) ObserveSeries(name string, events int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.series == nil {
		f.series = map[string]int{}
	}
	f.series[name] += events
}

func epoch(v float64) *float64 { return &v }

func newEngine(t *testing.T, mutate func(*config.CorrelationConfig), opts ...Option) *Engine {
	t.Helper()
	cfg := config.DefaultCorrelationConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return e
}

func panelByName(t *testing.T, r *Result, name string) Panel {
	t.Helper()
	for _, p := range r.Panels {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("panel %q not found", name)
	return Panel{}
}

func TestAssemble_CreateFileExample(t *testing.T) {
	e := newEngine(t, func(c *config.CorrelationConfig) {
		c.Offset = 0
		c.TimeInterval = 50
	})

	snap := &ingestion.Snapshot{
		SchemaVersion: ingestion.SchemaVersion,
		Report: ingestion.Report{
			Epoch: epoch(90),
			Processes: []ingestion.Process{{Calls: []ingestion.Call{
				{Time: 100, Category: "file", API: extraction.APICreateFile},
				{Time: 140, Category: "file", API: extraction.APICreateFile},
			}}},
		},
	}

	res, err := e.Assemble(context.Background(), snap)
	require.NoError(t, err)

	assert.Equal(t, 50.0, res.EndTime)
	assert.Equal(t, 50.0, res.Interval)
	assert.NotEmpty(t, res.RunID)

	_, names, _ := res.Triple()
	assert.Equal(t, []string{telemetry.NameProcesses, telemetry.NameFileCreate}, names)

	create := panelByName(t, res, telemetry.NameFileCreate)
	assert.Equal(t, []float64{10, 50}, create.Times)
	assert.Equal(t, map[float64]int{0: 1, 50: 1}, create.Histogram.Counts())
	assert.Equal(t, []float64{0, 0, 50, 50}, create.Steps.X)
	assert.Equal(t, []float64{0, 1, 1, 0}, create.Steps.Y)
}

func TestAssemble_SkewCorrectionOnlyOnCallTrace(t *testing.T) {
	e := newEngine(t, nil) // offset 427, threshold 400

	snap := &ingestion.Snapshot{
		Report: ingestion.Report{
			Epoch: epoch(1000),
			Processes: []ingestion.Process{{Calls: []ingestion.Call{
				{Time: 1003, Category: "file", API: extraction.APIOpenFile},
				{Time: 1005, Category: "network", API: "send", Buffer: strPtr("tor2web.org")},
			}}},
			UDP: []ingestion.NetworkRecord{{Time: 410}},
			TCP: []ingestion.NetworkRecord{{Time: 2.5}},
		},
		KeyLog: "[500]\n[905]\n",
	}

	res, err := e.Assemble(context.Background(), snap)
	require.NoError(t, err)

	// 1003-1000+427 = 430 > 400, so the offset is removed again
	assert.Equal(t, []float64{3}, panelByName(t, res, telemetry.NameFileOpen).Times)
	assert.Equal(t, []float64{5}, panelByName(t, res, telemetry.NameTor2Web).Times)
	assert.Equal(t, []float64{3, 5}, panelByName(t, res, telemetry.NameProcesses).Times)

	// network and keylogger series are never shifted
	assert.Equal(t, []float64{410}, panelByName(t, res, telemetry.NameUDP).Times)
	assert.Equal(t, []float64{2.5}, panelByName(t, res, telemetry.NameTCP).Times)
	assert.Equal(t, []float64{0, 405}, panelByName(t, res, telemetry.NameKeystrokes).Times)

	assert.Equal(t, 410.0, res.EndTime)
	for _, p := range res.Panels {
		assert.Len(t, p.Histogram.Buckets, 411, p.Name)
		assert.Equal(t, res.EndTime, p.Histogram.End, p.Name)
		assert.Equal(t, len(p.Times), p.Histogram.Total(), p.Name)
	}
}

func TestAssemble_OffsetKeptBelowThreshold(t *testing.T) {
	e := newEngine(t, func(c *config.CorrelationConfig) { c.Offset = 10 })

	snap := &ingestion.Snapshot{Report: ingestion.Report{
		Epoch:     epoch(0),
		Processes: []ingestion.Process{{Calls: []ingestion.Call{{Time: 5}}}},
	}}

	res, err := e.Assemble(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, []float64{15}, panelByName(t, res, telemetry.NameProcesses).Times)
}

func TestAssemble_UserInput(t *testing.T) {
	e := newEngine(t, nil)

	snap := &ingestion.Snapshot{KeyLog: "[1000.0]\n[1002.5]Mouse\n[1003]\n[1004]Mouse\n"}

	res, err := e.Assemble(context.Background(), snap)
	require.NoError(t, err)

	series, names, yaxes := res.Triple()
	assert.Equal(t, []string{telemetry.NameKeystrokes, telemetry.NameMouseClicks}, names)
	assert.Equal(t, []string{"# of Keystrokes", "# of Mouse Clicks"}, yaxes)
	assert.Equal(t, [][]float64{{0, 3}, {2.5, 4}}, series)
	assert.Equal(t, 4.0, res.EndTime)
}

func TestAssemble_CollisionDropsKeystrokes(t *testing.T) {
	e := newEngine(t, nil)

	res, err := e.Assemble(context.Background(), &ingestion.Snapshot{KeyLog: "[5]Mouse [5] [7] [7]Mouse"})
	require.NoError(t, err)

	_, names, _ := res.Triple()
	assert.Equal(t, []string{telemetry.NameMouseClicks}, names)
	assert.Equal(t, []float64{0, 2}, res.Panels[0].Times)
}

func TestAssemble_MissingEpochFallsBackToZero(t *testing.T) {
	e := newEngine(t, func(c *config.CorrelationConfig) { c.Offset = 0 })

	snap := &ingestion.Snapshot{Report: ingestion.Report{
		Processes: []ingestion.Process{{Calls: []ingestion.Call{{Time: 12}}}},
	}}

	res, err := e.Assemble(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, []float64{12}, panelByName(t, res, telemetry.NameProcesses).Times)
}

func TestAssemble_NothingToDisplay(t *testing.T) {
	rec := &fakeRecorder{}
	e := newEngine(t, nil, WithRecorder(rec))

	_, err := e.Assemble(context.Background(), &ingestion.Snapshot{})
	assert.ErrorIs(t, err, binning.ErrNothingToDisplay)
	assert.Equal(t, []string{"empty"}, rec.runs)
	assert.Len(t, rec.series, 10)
}

func TestAssemble_DomainTooLarge(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.CorrelationConfig)
		snap   *ingestion.Snapshot
	}{
		{
			name: "huge network time",
			snap: &ingestion.Snapshot{Report: ingestion.Report{UDP: []ingestion.NetworkRecord{{Time: 1e20}}}},
		},
		{
			name:   "absolute call times without epoch",
			mutate: func(c *config.CorrelationConfig) { c.Offset = 0 },
			snap: &ingestion.Snapshot{Report: ingestion.Report{
				Processes: []ingestion.Process{{Calls: []ingestion.Call{{Time: 1.7e9}}}},
			}},
		},
		{
			name:   "tiny interval",
			mutate: func(c *config.CorrelationConfig) { c.TimeInterval = 1e-9 },
			snap:   &ingestion.Snapshot{KeyLog: "[1] [3]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			e := newEngine(t, tt.mutate, WithRecorder(rec))

			_, err := e.Assemble(context.Background(), tt.snap)
			assert.ErrorIs(t, err, binning.ErrTooManyBuckets)
			assert.Equal(t, []string{"error"}, rec.runs)
		})
	}
}

func TestAssemble_MaxBucketsBoundary(t *testing.T) {
	e := newEngine(t, func(c *config.CorrelationConfig) { c.MaxBuckets = 3 })

	res, err := e.Assemble(context.Background(), &ingestion.Snapshot{KeyLog: "[10] [12]"})
	require.NoError(t, err)
	assert.Len(t, res.Panels[0].Histogram.Buckets, 3)

	_, err = e.Assemble(context.Background(), &ingestion.Snapshot{KeyLog: "[10] [12.5]"})
	assert.ErrorIs(t, err, binning.ErrTooManyBuckets)
}

func TestAssemble_MalformedKeylog(t *testing.T) {
	rec := &fakeRecorder{}
	e := newEngine(t, nil, WithRecorder(rec))

	_, err := e.Assemble(context.Background(), &ingestion.Snapshot{KeyLog: "[12]\n[oops]Mouse\n"})
	assert.ErrorIs(t, err, extraction.ErrMalformedToken)
	assert.Equal(t, []string{"error"}, rec.runs)
}

func TestAssemble_Errors(t *testing.T) {
	e := newEngine(t, nil)

	_, err := e.Assemble(context.Background(), nil)
	assert.ErrorIs(t, err, ingestion.ErrInvalidRecord)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Assemble(ctx, &ingestion.Snapshot{KeyLog: "[1]"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAssemble_RecordsMetricsAndClock(t *testing.T) {
	rec := &fakeRecorder{}
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := newEngine(t, nil, WithRecorder(rec), WithClock(func() time.Time { return fixed }))

	res, err := e.Assemble(context.Background(), &ingestion.Snapshot{KeyLog: "[1] [2] [3]Mouse"})
	require.NoError(t, err)

	assert.Equal(t, fixed, res.GeneratedAt)
	assert.Equal(t, []string{"ok"}, rec.runs)
	assert.Equal(t, 2, rec.series[telemetry.NameKeystrokes])
	assert.Equal(t, 1, rec.series[telemetry.NameMouseClicks])
	assert.Equal(t, 0, rec.series[telemetry.NameUDP])
}

func TestCandidates_OrderAndKinds(t *testing.T) {
	e := newEngine(t, nil)

	candidates, err := e.Candidates(&ingestion.Snapshot{})
	require.NoError(t, err)

	want := []struct {
		name string
		kind telemetry.Kind
	}{
		{telemetry.NameUDP, telemetry.KindNetwork},
		{telemetry.NameTCP, telemetry.KindNetwork},
		{telemetry.NameTor2Web, telemetry.KindCallTrace},
		{telemetry.NameProcesses, telemetry.KindCallTrace},
		{telemetry.NameFileCreate, telemetry.KindCallTrace},
		{telemetry.NameFileRead, telemetry.KindCallTrace},
		{telemetry.NameFileOpen, telemetry.KindCallTrace},
		{telemetry.NameFileClose, telemetry.KindCallTrace},
		{telemetry.NameKeystrokes, telemetry.KindUserInput},
		{telemetry.NameMouseClicks, telemetry.KindUserInput},
	}
	require.Len(t, candidates, len(want))
	for i, w := range want {
		assert.Equal(t, w.name, candidates[i].Name)
		assert.Equal(t, w.kind, candidates[i].Kind)
		assert.True(t, candidates[i].Empty())
	}
}

func TestCompact(t *testing.T) {
	series := [][]float64{{1}, {}, {2, 3}, nil}
	names := []string{"a", "b", "c", "d"}
	yaxes := []string{"ya", "yb", "yc", "yd"}

	gotSeries, gotNames, gotYAxes, err := Compact(series, names, yaxes)
	require.NoError(t, err)

	assert.Equal(t, [][]float64{{1}, {2, 3}}, gotSeries)
	assert.Equal(t, []string{"a", "c"}, gotNames)
	assert.Equal(t, []string{"ya", "yc"}, gotYAxes)
	// inputs untouched
	assert.Len(t, names, 4)

	_, _, _, err = Compact(series, names[:3], yaxes)
	assert.ErrorIs(t, err, ErrMisalignedSeries)
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	cfg := config.DefaultCorrelationConfig()
	cfg.TimeInterval = 0
	_, err := NewEngine(cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func strPtr(s string) *string { return &s }
