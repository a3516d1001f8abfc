package gotwin

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ChiSquare is the NEES and NIS consistency test of Monte Carlo runs.
// A consistent filter keeps the per step means within their bounds for about
// the confidence ratio of the steps.
type ChiSquare struct {
	Runs       int
	Confidence float64
	// NEES and NIS are the per step means over the runs, NaN without any sample.
	NEES, NIS         []float64
	NEESLow, NEESHigh float64
	NISLow, NISHigh   float64
	neesDims, nisDims int
}

// ChiSquareBounds returns the two sided confidence interval of the mean of runs
// samples of a χ² variable with dof degrees of freedom.
func ChiSquareBounds(dof, runs int, confidence float64) (low, high float64, err error) {
	if dof <= 0 || runs <= 0 {
		return 0, 0, errors.Wrapf(ErrInvalidInput, "need positive dof and runs, got %d and %d", dof, runs)
	}
	if !(confidence > 0 && confidence < 1) {
		return 0, 0, errors.Wrapf(ErrInvalidInput, "confidence must be in ]0, 1[, got %v", confidence)
	}
	N := float64(runs)
	χ2 := distuv.ChiSquared{K: float64(dof * runs)}
	return χ2.Quantile((1-confidence)/2) / N, χ2.Quantile((1+confidence)/2) / N, nil
}

// NewChiSquare computes the per step NEES and NIS means of the runs. NEES samples
// which could not be computed and NIS samples of steps without update are skipped.
func NewChiSquare(runs MonteCarloRuns, confidence float64) (*ChiSquare, error) {
	if len(runs.Runs) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "Chi square requires at least one run")
	}
	c := &ChiSquare{Runs: len(runs.Runs), Confidence: confidence, neesDims: StateDim, nisDims: MeasDim}
	var err error
	if c.NEESLow, c.NEESHigh, err = ChiSquareBounds(StateDim, c.Runs, confidence); err != nil {
		return nil, err
	}
	if c.NISLow, c.NISHigh, err = ChiSquareBounds(MeasDim, c.Runs, confidence); err != nil {
		return nil, err
	}

	numSteps := len(runs.Runs[0].Records)
	c.NEES = make([]float64, numSteps)
	c.NIS = make([]float64, numSteps)
	neesSamples := make([]float64, 0, c.Runs)
	nisSamples := make([]float64, 0, c.Runs)
	for k := 0; k < numSteps; k++ {
		neesSamples, nisSamples = neesSamples[:0], nisSamples[:0]
		for rNo, run := range runs.Runs {
			if len(run.Records) != numSteps {
				return nil, errors.Wrapf(ErrInvalidInput, "run %d has %d steps instead of %d", rNo, len(run.Records), numSteps)
			}
			rec := run.Records[k]
			if !math.IsNaN(rec.NEES) {
				neesSamples = append(neesSamples, rec.NEES)
			}
			if rec.Updated {
				nisSamples = append(nisSamples, rec.NIS)
			}
		}
		c.NEES[k] = meanOrNaN(neesSamples)
		c.NIS[k] = meanOrNaN(nisSamples)
	}
	return c, nil
}

func meanOrNaN(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return stat.Mean(x, nil)
}

// within returns the ratio of the non NaN means which are within [low, high].
func within(means []float64, low, high float64) float64 {
	in, total := 0, 0
	for _, m := range means {
		if math.IsNaN(m) {
			continue
		}
		total++
		if m >= low && m <= high {
			in++
		}
	}
	if total == 0 {
		return math.NaN()
	}
	return float64(in) / float64(total)
}

// NEESConsistency returns the ratio of steps whose mean NEES is within the bounds.
func (c *ChiSquare) NEESConsistency() float64 {
	return within(c.NEES, c.NEESLow, c.NEESHigh)
}

// NISConsistency returns the ratio of steps whose mean NIS is within the bounds.
func (c *ChiSquare) NISConsistency() float64 {
	return within(c.NIS, c.NISLow, c.NISHigh)
}

// WriteCSV writes the per step means and their bounds, one line per step.
func (c *ChiSquare) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"step", "nees", "nees_low", "nees_high", "nis", "nis_low", "nis_high"}); err != nil {
		return errors.Wrap(err, "could not write the χ² header")
	}
	for k := range c.NEES {
		line := []string{strconv.Itoa(k), formatFloat(c.NEES[k]), formatFloat(c.NEESLow), formatFloat(c.NEESHigh),
			formatFloat(c.NIS[k]), formatFloat(c.NISLow), formatFloat(c.NISHigh)}
		if err := writer.Write(line); err != nil {
			return errors.Wrapf(err, "could not write the χ² of step %d", k)
		}
	}
	writer.Flush()
	return writer.Error()
}

func (c *ChiSquare) String() string {
	return fmt.Sprintf("χ² runs=%d confidence=%g NEES(n=%d)∈[%.3f, %.3f]: %.1f%% NIS(m=%d)∈[%.3f, %.3f]: %.1f%%",
		c.Runs, c.Confidence, c.neesDims, c.NEESLow, c.NEESHigh, 100*c.NEESConsistency(), c.nisDims, c.NISLow, c.NISHigh, 100*c.NISConsistency())
}
