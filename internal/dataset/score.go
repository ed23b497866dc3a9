package dataset

import (
	"context"
	"fmt"
	"runtime"

	"fraudguard/internal/ml"

	"golang.org/x/sync/errgroup"
)

// Scored pairs a record with its prediction. Err is set, and Result is zero, when the
// predictor rejected the transaction as invalid input.
type Scored struct {
	Record Record
	Result ml.PredictionResult
	Err    error
}

// ScoreAll runs every record through p using up to workers goroutines, keeping input
// order. Input errors are kept per record; any other error stops the run.
func ScoreAll(ctx context.Context, p ml.TransactionPredictor, records []Record, workers int) ([]Scored, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := make([]Scored, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range records {
		i := i
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := p.PredictTransaction(records[i].Transaction)
			if err != nil && !ml.IsInputError(err) {
				return fmt.Errorf("row %d: %w", records[i].Row, err)
			}
			out[i] = Scored{Record: records[i], Result: res, Err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Outcomes converts the successfully scored records for evaluation and counts the
// rejected ones.
func Outcomes(scored []Scored) (outcomes []ml.Outcome, rejected int) {
	outcomes = make([]ml.Outcome, 0, len(scored))
	for _, s := range scored {
		if s.Err != nil {
			rejected++
			continue
		}
		actual := ml.LabelSafe
		if s.Record.IsFraud {
			actual = ml.LabelFraud
		}
		outcomes = append(outcomes, ml.Outcome{
			Actual:    actual,
			Predicted: s.Result.Label,
			ProbFraud: s.Result.ProbFraud,
		})
	}
	return outcomes, rejected
}
