package gotwin

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// MonteCarloRuns stores MC runs.
type MonteCarloRuns struct {
	runs, steps int
	Runs        []MonteCarloRun
}

// samples returns the estimate component i of the given step, one value per run.
func (mc MonteCarloRuns) samples(step, i int) []float64 {
	vals := make([]float64, len(mc.Runs))
	for r, run := range mc.Runs {
		vals[r] = run.Records[step].Estimate.AtVec(i)
	}
	return vals
}

// Mean returns the mean of all the samples for the given time step.
func (mc MonteCarloRuns) Mean(step int) []float64 {
	means := make([]float64, StateDim)
	for i := range means {
		means[i] = stat.Mean(mc.samples(step, i), nil)
	}
	return means
}

// StdDev returns the standard deviation of all the samples for the given time step.
func (mc MonteCarloRuns) StdDev(step int) []float64 {
	devs := make([]float64, StateDim)
	for i := range devs {
		devs[i] = stat.StdDev(mc.samples(step, i), nil)
	}
	return devs
}

// Steps returns the number of steps of each run.
func (mc MonteCarloRuns) Steps() int {
	return mc.steps
}

// AsCSV is used as a CSV serializer, one string per state component.
func (mc MonteCarloRuns) AsCSV(headers []string) []string {
	rtn := make([]string, StateDim)
	for i := 0; i < StateDim; i++ {
		header := headers[i]
		lines := make([]string, mc.steps+1) // One line per step, plus header.
		for rNo := 0; rNo < mc.runs; rNo++ {
			lines[0] += fmt.Sprintf("%s-%d,", header, rNo)
		}
		lines[0] += header + "-mean," + header + "-stddev"

		for k := 0; k < mc.steps; k++ {
			for _, run := range mc.Runs {
				lines[k+1] += fmt.Sprintf("%f,", run.Records[k].Estimate.AtVec(i))
			}
			lines[k+1] += fmt.Sprintf("%f,%f", mc.Mean(k)[i], mc.StdDev(k)[i])
		}
		rtn[i] = strings.Join(lines, "\n")
	}
	return rtn
}

// NewMonteCarloRuns runs samples simulations of params. Run i is seeded with
// params.Seed+i and params.Faults.Seed+i. At most workers simulations run at
// once, all of them if workers <= 0. The first failing run cancels the others.
func NewMonteCarloRuns(ctx context.Context, params ModelParameters, samples, workers int, opts ...Option) (MonteCarloRuns, error) {
	if samples <= 0 {
		return MonteCarloRuns{}, errors.Wrapf(ErrConfiguration, "Monte Carlo needs at least one sample, got %d", samples)
	}
	if err := params.Validate(); err != nil {
		return MonteCarloRuns{}, err
	}
	runs := make([]MonteCarloRun, samples)
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for sample := 0; sample < samples; sample++ {
		g.Go(func() error {
			p := params
			p.Seed += uint64(sample)
			p.Faults.Seed += uint64(sample)
			sim, err := NewSimulation(p, nil, opts...)
			if err != nil {
				return err
			}
			records := make([]Record, 0, p.SimulationSteps)
			err = sim.Run(func(rec Record) error {
				records = append(records, rec)
				return ctx.Err()
			})
			if err != nil {
				return errors.Wrapf(err, "Monte Carlo run %d (seed %d)", sample, p.Seed)
			}
			runs[sample] = MonteCarloRun{Seed: p.Seed, Records: records}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return MonteCarloRuns{}, err
	}
	return MonteCarloRuns{samples, params.SimulationSteps, runs}, nil
}

// MonteCarloRun stores the results of an MC run.
type MonteCarloRun struct {
	Seed    uint64
	Records []Record
}
