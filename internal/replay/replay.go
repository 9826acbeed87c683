// Package replay rebuilds training data from a transaction log. Rows are
// replayed in time order through the same engine that serves live traffic,
// so every labeled row is featurized from strictly earlier history.
package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/mbd888/txfeatures/internal/engine"
	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/logging"
	"github.com/mbd888/txfeatures/internal/metrics"
	"github.com/mbd888/txfeatures/internal/txn"
)

// LabelColumn holds the fraud label in input and output files.
const LabelColumn = "is_fraud"

// DefaultProgressEvery is how often Run logs progress, in rows.
const DefaultProgressEvery = 10000

var (
	// ErrNoLabelColumn means the input header has no LabelColumn.
	ErrNoLabelColumn = errors.New("replay: input has no " + LabelColumn + " column")
	// ErrNoLabeledRows means replay produced an empty training matrix.
	ErrNoLabeledRows = errors.New("replay: no labeled rows")
)

// Record is one input row.
type Record struct {
	Line    int // 1-based data row number in the input
	Event   txn.Event
	Label   int
	Labeled bool
}

// Options tunes Run.
type Options struct {
	Limit         int // 0 means all rows
	ProgressEvery int
}

// Stats summarizes a replay.
type Stats struct {
	Rows      int
	Labeled   int
	History   int
	Skipped   int
	Committed int
}

// ReadRecords parses a pipe-delimited file with a header row and returns the
// records stably sorted by timestamp.
func ReadRecords(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.Comma = '|'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make([]string, len(header))
	labelAt := -1
	for i, h := range header {
		cols[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if cols[i] == LabelColumn {
			labelAt = i
		}
	}
	if labelAt < 0 {
		return nil, ErrNoLabelColumn
	}

	var out []Record
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		fields := make(map[string]string, len(cols))
		for i, v := range row {
			if i < len(cols) {
				fields[cols[i]] = v
			}
		}
		rec := Record{Line: line, Event: txn.FromStrings(fields)}
		if labelAt < len(row) {
			rec.Label, rec.Labeled = CoerceLabel(row[labelAt])
		}
		out = append(out, rec)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Event.Timestamp < out[j].Event.Timestamp
	})
	return out, nil
}

// CoerceLabel reads a label written as a number or a yes/no word.
func CoerceLabel(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f), true
	}
	switch strings.ToLower(s) {
	case "true", "yes", "y", "t":
		return 1, true
	case "false", "no", "n", "f":
		return 0, true
	}
	return 0, false
}

// Run replays records through eng. Unlabeled rows are committed as history
// only; labeled rows are extracted, written to out, then committed. Rows
// without an entity are skipped.
func Run(ctx context.Context, eng *engine.Engine, records []Record, out *MatrixWriter, opts Options) (Stats, error) {
	if opts.Limit > 0 && opts.Limit < len(records) {
		records = records[:opts.Limit]
	}
	every := opts.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}
	logger := logging.L(ctx)

	var st Stats
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Rows++

		ev := rec.Event
		switch {
		case ev.Entity == "":
			st.Skipped++
			metrics.ReplayRowsTotal.WithLabelValues("skipped").Inc()
			logger.Warn("replay row has no entity", "line", rec.Line)
			continue

		case !rec.Labeled:
			if _, err := eng.Process(ctx, ev, nil, true); err != nil {
				return st, fmt.Errorf("row %d: %w", rec.Line, err)
			}
			st.History++
			st.Committed++
			metrics.ReplayRowsTotal.WithLabelValues("history").Inc()
			continue
		}

		label := rec.Label
		write := func(_ context.Context, v features.Vector) error {
			return out.Write(v, label)
		}
		if _, err := eng.Process(ctx, ev, write, true); err != nil {
			return st, fmt.Errorf("row %d: %w", rec.Line, err)
		}
		st.Labeled++
		st.Committed++
		metrics.ReplayRowsTotal.WithLabelValues("labeled").Inc()

		if (i+1)%every == 0 {
			logger.Info("replay progress", "rows", i+1, "labeled", st.Labeled)
		}
	}

	if err := out.Flush(); err != nil {
		return st, err
	}
	if st.Labeled == 0 {
		return st, ErrNoLabeledRows
	}
	return st, nil
}

// MatrixWriter writes the training matrix: schema columns then the label.
type MatrixWriter struct {
	w      *csv.Writer
	header bool
	row    []string
}

// NewMatrixWriter writes CSV rows to w.
func NewMatrixWriter(w io.Writer) *MatrixWriter {
	return &MatrixWriter{w: csv.NewWriter(w), row: make([]string, features.Count+1)}
}

// Write appends one vector and its label, writing the header first.
func (m *MatrixWriter) Write(v features.Vector, label int) error {
	if !m.header {
		if err := m.w.Write(append(features.Names(), LabelColumn)); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		m.header = true
	}
	for i, x := range v.Values() {
		m.row[i] = formatFloat(x)
	}
	m.row[features.Count] = strconv.Itoa(label)
	if err := m.w.Write(m.row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	return nil
}

// Flush flushes buffered rows.
func (m *MatrixWriter) Flush() error {
	m.w.Flush()
	return m.w.Error()
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', -1, 64)
}
