package query

import (
	"errors"
	"fmt"

	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

// ErrUnknownStage is returned for a stage type the engine cannot run.
var ErrUnknownStage = errors.New("unknown pipeline stage")

// Engine runs pipelines. It is stateless and safe for concurrent use.
type Engine struct {
	eval *querylang.Evaluator
}

// NewEngine creates a pipeline engine.
func NewEngine() *Engine {
	return &Engine{eval: querylang.NewEvaluator()}
}

// Run folds stages left to right over DisplayResult{Events: events}.
// events must not be modified by the caller while Run executes.
func (e *Engine) Run(pc PipelineContext, events []record.Record, stages []querylang.Stage) (DisplayResult, error) {
	res := DisplayResult{Events: events}
	for i, st := range stages {
		next, err := e.runStage(pc, res, st)
		if err != nil {
			name := "?"
			if st != nil {
				name = st.Name()
			}
			return res, fmt.Errorf("stage %d (%s): %w", i+1, name, err)
		}
		res = next
	}
	return res, nil
}

func (e *Engine) runStage(pc PipelineContext, in DisplayResult, st querylang.Stage) (DisplayResult, error) {
	switch s := st.(type) {
	case *querylang.TableStage:
		return applyTable(in, s), nil
	case *querylang.StatsStage:
		return applyStats(in, s), nil
	case *querylang.SortStage:
		return applySort(in, s), nil
	case *querylang.RegexStage:
		return applyRegex(in, s), nil
	case *querylang.WhereStage:
		return applyWhere(in, s, e.eval)
	case *querylang.EvalStage:
		return applyEval(in, s, e.eval)
	case *querylang.TimechartStage:
		return applyTimechart(pc, in, s), nil
	case *querylang.UnpackStage:
		return applyUnpack(in, s), nil
	}
	return in, fmt.Errorf("%w: %T", ErrUnknownStage, st)
}
