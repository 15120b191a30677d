// Package correlation assembles the aligned, bucketed timeline of a sandbox
// run from its combined report and keylogger snapshot.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/tracealign/internal/config"
	"github.com/lvonguyen/tracealign/internal/telemetry"
	"github.com/lvonguyen/tracealign/internal/telemetry/binning"
	"github.com/lvonguyen/tracealign/internal/telemetry/extraction"
	"github.com/lvonguyen/tracealign/internal/telemetry/ingestion"
	"github.com/lvonguyen/tracealign/internal/telemetry/normalization"
)

// ErrMisalignedSeries means the parallel series/name/axis lists differ in length.
var ErrMisalignedSeries = errors.New("series, names and axis labels are not aligned")

// Recorder receives per-run measurements. observability.Metrics implements it.
type Recorder interface {
	ObserveRun(status string, d time.Duration)
	ObserveSeries(name string, events int)
}

// Renderer is the downstream collaborator that draws a result: one stacked
// panel per series on the shared time axis.
type Renderer interface {
	Render(ctx context.Context, result *Result) error
}

// Steps holds post-step plot coordinates of one panel.
type Steps struct {
	X []float64 `json:"x" yaml:"x"`
	Y []float64 `json:"y" yaml:"y"`
}

// Panel is one non-empty series with its histogram.
type Panel struct {
	telemetry.Series `yaml:",inline"`
	Histogram        *binning.Histogram `json:"histogram" yaml:"histogram"`
	Steps            Steps              `json:"steps" yaml:"steps"`
}

// Result is what the engine hands to the renderer. Every panel shares
// Interval and EndTime.
type Result struct {
	RunID         string    `json:"run_id" yaml:"run_id"`
	Title         string    `json:"title" yaml:"title"`
	SchemaVersion string    `json:"schema_version" yaml:"schema_version"`
	Interval      float64   `json:"interval" yaml:"interval"`
	EndTime       float64   `json:"end_time" yaml:"end_time"`
	GeneratedAt   time.Time `json:"generated_at" yaml:"generated_at"`
	Panels        []Panel   `json:"panels" yaml:"panels"`
}

// Triple returns the panels as the index-aligned (series, names, y-axis
// labels) lists.
func (r *Result) Triple() (series [][]float64, names, yaxes []string) {
	for _, p := range r.Panels {
		series = append(series, p.Times)
		names = append(names, p.Name)
		yaxes = append(yaxes, p.YAxis)
	}
	return series, names, yaxes
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the time source used for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs the extraction, normalization, skew correction and binning
// steps over one snapshot.
type Engine struct {
	config   config.CorrelationConfig
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
}

// NewEngine creates a new engine.
func NewEngine(cfg config.CorrelationConfig, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{config: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine settings.
func (e *Engine) Config() config.CorrelationConfig { return e.config }

// Assemble builds the candidate series, drops the empty ones, computes the
// shared end time once and buckets every remaining series against it.
func (e *Engine) Assemble(ctx context.Context, snap *ingestion.Snapshot) (result *Result, err error) {
	start := time.Now()
	defer func() {
		if e.recorder != nil {
			e.recorder.ObserveRun(runStatus(err), time.Since(start))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates, err := e.Candidates(snap)
	if err != nil {
		return nil, err
	}

	kept := make([]telemetry.Series, 0, len(candidates))
	for _, s := range candidates {
		e.logger.Debug("series extracted", zap.String("series", s.Name), zap.Int("events", len(s.Times)))
		if e.recorder != nil {
			e.recorder.ObserveSeries(s.Name, len(s.Times))
		}
		if !s.Empty() {
			kept = append(kept, s)
		}
	}

	all := make([][]float64, len(kept))
	for i, s := range kept {
		all[i] = s.Times
	}
	hi, err := binning.GlobalMax(all...)
	if err != nil {
		return nil, err
	}
	end, err := binning.EndTime(hi, e.config.TimeInterval)
	if err != nil {
		return nil, err
	}
	if _, err := binning.BucketCount(end, e.config.TimeInterval, e.config.MaxBuckets); err != nil {
		e.logger.Warn("timeline domain too large",
			zap.Float64("max_time", hi),
			zap.Float64("interval", e.config.TimeInterval),
			zap.Int("max_buckets", e.config.MaxBuckets),
			zap.Bool("epoch_known", snap.Report.Epoch != nil),
		)
		return nil, err
	}

	result = &Result{
		RunID:         uuid.NewString(),
		Title:         e.config.Title,
		SchemaVersion: snap.SchemaVersion,
		Interval:      e.config.TimeInterval,
		EndTime:       end,
		GeneratedAt:   e.now().UTC(),
		Panels:        make([]Panel, 0, len(kept)),
	}

	for _, s := range kept {
		h, err := binning.Bin(s.Times, e.config.TimeInterval, end, e.config.MaxBuckets)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", s.Name, err)
		}
		xs, ys := h.Steps()
		result.Panels = append(result.Panels, Panel{Series: s, Histogram: h, Steps: Steps{X: xs, Y: ys}})
	}

	e.logger.Info("timeline assembled",
		zap.String("run_id", result.RunID),
		zap.Int("panels", len(result.Panels)),
		zap.Float64("end_time", end),
		zap.Float64("interval", e.config.TimeInterval),
	)

	return result, nil
}

// Candidates returns every series in panel order, empty ones included, with
// the skew correction applied to the call trace series.
func (e *Engine) Candidates(snap *ingestion.Snapshot) ([]telemetry.Series, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ingestion.ErrInvalidRecord)
	}
	report := snap.Report

	clock, known := normalization.NewClock(report.Epoch, e.config.Offset)
	if !known && report.CallCount() > 0 {
		e.logger.Warn("report has no behavior.generic[0].first_seen, using epoch 0",
			zap.Int("calls", report.CallCount()))
	}

	calls := func(name, yaxis string, pred extraction.Predicate) telemetry.Series {
		return telemetry.Series{
			Name:  name,
			YAxis: yaxis,
			Kind:  telemetry.KindCallTrace,
			Times: extraction.FilterCalls(report.Processes, pred, clock),
		}
	}

	keys, mouse, err := e.userInput(snap.KeyLog)
	if err != nil {
		return nil, err
	}

	candidates := []telemetry.Series{
		{Name: telemetry.NameUDP, YAxis: "# of Connections", Kind: telemetry.KindNetwork, Times: extraction.NetworkTimes(report.UDP)},
		{Name: telemetry.NameTCP, YAxis: "# of Connections", Kind: telemetry.KindNetwork, Times: extraction.NetworkTimes(report.TCP)},
		calls(telemetry.NameTor2Web, "# of Connections", extraction.BufferContains(e.config.Tor2WebMarker)),
		calls(telemetry.NameProcesses, "# of Active Processes", extraction.AnyCall),
		calls(telemetry.NameFileCreate, telemetry.NameFileCreate, extraction.FileAPI(extraction.APICreateFile)),
		calls(telemetry.NameFileRead, telemetry.NameFileRead, extraction.FileAPI(extraction.APIReadFile)),
		calls(telemetry.NameFileOpen, telemetry.NameFileOpen, extraction.FileAPI(extraction.APIOpenFile)),
		calls(telemetry.NameFileClose, telemetry.NameFileClose, extraction.FileAPI(extraction.APIClose)),
		{Name: telemetry.NameKeystrokes, YAxis: "# of Keystrokes", Kind: telemetry.KindUserInput, Times: keys},
		{Name: telemetry.NameMouseClicks, YAxis: "# of Mouse Clicks", Kind: telemetry.KindUserInput, Times: mouse},
	}

	for i := range candidates {
		if candidates[i].Skewed() {
			candidates[i].Times = normalization.ApplyOffset(candidates[i].Times, e.config.Offset, e.config.Threshold)
		}
	}
	return candidates, nil
}

// userInput returns keystroke and mouse click times relative to the first
// number of the capture.
func (e *Engine) userInput(keylog string) (keys, mouse []float64, err error) {
	tokens, err := extraction.Tokenize(keylog, e.config.ClassTag)
	if err != nil {
		return nil, nil, fmt.Errorf("keylogger capture: %w", err)
	}
	if len(tokens) == 0 {
		return []float64{}, []float64{}, nil
	}

	// a parsed token guarantees a number in the text
	origin, _ := extraction.FirstNumber(keylog)

	clicks, strokes := extraction.Split(tokens)
	return normalization.FromOrigin(strokes, origin), normalization.FromOrigin(clicks, origin), nil
}

// Compact removes empty series and the names and axis labels at the same
// indices, keeping the three lists aligned.
func Compact(series [][]float64, names, yaxes []string) ([][]float64, []string, []string, error) {
	if len(series) != len(names) || len(series) != len(yaxes) {
		return nil, nil, nil, fmt.Errorf("%w: %d series, %d names, %d labels",
			ErrMisalignedSeries, len(series), len(names), len(yaxes))
	}

	outSeries := make([][]float64, 0, len(series))
	outNames := make([]string, 0, len(names))
	outYAxes := make([]string, 0, len(yaxes))
	for i, s := range series {
		if len(s) == 0 {
			continue
		}
		outSeries = append(outSeries, s)
		outNames = append(outNames, names[i])
		outYAxes = append(outYAxes, yaxes[i])
	}
	return outSeries, outNames, outYAxes, nil
}

func runStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, binning.ErrNothingToDisplay):
		return "empty"
	default:
		return "error"
	}
}
