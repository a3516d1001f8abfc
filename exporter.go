package gotwin

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
)

var (
	stateHeaders = []string{"omega", "theta", "phi"}
	measHeaders  = []string{"speed", "vibration"}
)

// Exporter defines an export interface.
type Exporter interface {
	Write(Record) error
	Close() error
}

// CSVHeaders returns the columns of the CSV export. Each estimated state
// component is followed by its +2σ and -2σ bounds.
func CSVHeaders() []string {
	hdr := []string{"step", "time"}
	hdr = append(hdr, stateHeaders...)
	for _, h := range stateHeaders {
		hdr = append(hdr, h+"_hat", h+"_hat+2s", h+"_hat-2s")
	}
	for _, prefix := range []string{"", "true_", "pred_", "innov_", "baseline_"} {
		for _, h := range measHeaders {
			hdr = append(hdr, prefix+h)
		}
	}
	for _, h := range stateHeaders {
		hdr = append(hdr, "ekf_"+h)
	}
	return append(hdr, "nis", "nees", "within_2s", "updated", "dropout", "faults", "anomalies", "reset")
}

// CSVExporter writes one line per Record.
type CSVExporter struct {
	writer *csv.Writer
	hdlr   io.WriteCloser
}

// NewCSVExporter creates the file and writes the header.
func NewCSVExporter(dir, filename string) (*CSVExporter, error) {
	f, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return nil, errors.Wrap(err, "could not create the CSV export")
	}
	e, err := NewCSVWriter(f)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// NewCSVWriter writes the header to w, which is closed by Close or on error.
func NewCSVWriter(w io.WriteCloser) (*CSVExporter, error) {
	e := &CSVExporter{csv.NewWriter(w), w}
	if err := e.writeHeader(); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "could not write the CSV header"), w.Close())
	}
	return e, nil
}

func (e *CSVExporter) writeHeader() error {
	if err := e.WriteRawLn(fmt.Sprintf("# Creation date (UTC): %s", time.Now().UTC())); err != nil {
		return err
	}
	if err := e.writer.Write(CSVHeaders()); err != nil {
		return err
	}
	e.writer.Flush()
	return e.writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatVec(v *mat.VecDense, n int) []string {
	vals := make([]string, n)
	for i := range vals {
		if v != nil {
			vals[i] = formatFloat(v.AtVec(i))
		}
	}
	return vals
}

// Write writes the record to the CSV file.
func (e *CSVExporter) Write(rec Record) error {
	line := []string{strconv.Itoa(rec.Step), formatFloat(rec.Time)}
	line = append(line, formatVec(rec.True, StateDim)...)
	for i := 0; i < StateDim; i++ {
		bound := 2 * math.Sqrt(rec.Variance[i])
		line = append(line, formatFloat(rec.Estimate.AtVec(i)), formatFloat(bound), formatFloat(-bound))
	}
	for _, v := range []*mat.VecDense{rec.Measurement, rec.TrueMeas, rec.Predicted, rec.Innovation, rec.Baseline} {
		line = append(line, formatVec(v, MeasDim)...)
	}
	line = append(line, formatVec(rec.Extended, StateDim)...)
	anomalies := make([]string, len(rec.Anomalies))
	for i, a := range rec.Anomalies {
		anomalies[i] = fmt.Sprintf("%s:%s", a.Kind, a.Severity)
	}
	line = append(line, formatFloat(rec.NIS), formatFloat(rec.NEES), strconv.FormatBool(rec.Within2σ), strconv.FormatBool(rec.Updated),
		strconv.FormatBool(rec.Dropout), rec.Faults.String(), strings.Join(anomalies, "|"), strconv.FormatBool(rec.Reset))
	if err := e.writer.Write(line); err != nil {
		return err
	}
	e.writer.Flush()
	return e.writer.Error()
}

// WriteRawLn writes a raw line to the CSV file.
func (e *CSVExporter) WriteRawLn(s string) error {
	e.writer.Flush()
	_, err := io.WriteString(e.hdlr, s+"\n")
	return err
}

// Close closes the file.
func (e *CSVExporter) Close() error {
	if err := e.WriteRawLn(fmt.Sprintf("# Closing date (UTC): %s", time.Now().UTC())); err != nil {
		return err
	}
	return e.hdlr.Close()
}
