package app

import (
	"context"
	"fmt"

	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/results"
	"github.com/vk/stagegrid/internal/scope"
	"github.com/vk/stagegrid/internal/solver"
)

// Run executes the full lifecycle: assemble, solve backward (or iterate
// stationary stages to their fixed point), optionally simulate forward,
// and persist the results when a path is configured. The solved set is
// returned either way.
func (a *App) Run(ctx context.Context) (*results.Set, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	circ, err := a.Assemble(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble circuit: %w", err)
	}
	a.logger.Debug("Circuit assembled.", "stages", len(circ.StageNames), "connections", len(circ.Connections))

	sv := solver.New(circ)
	if a.config.Workers > 0 {
		sv.SetWorkers(a.config.Workers)
	}
	if err := a.solveBackward(ctx, sv); err != nil {
		return nil, err
	}
	a.logger.Info("Backward solve finished.")

	if a.config.Simulate {
		if err := sv.SolveForward(ctx); err != nil {
			return nil, fmt.Errorf("forward simulation failed: %w", err)
		}
		a.logger.Info("Forward simulation finished.")
	}

	if a.config.ResultsPath != "" {
		if err := a.persist(sv.Results); err != nil {
			return nil, err
		}
		a.logger.Info("Results persisted.", "path", a.config.ResultsPath)
	}

	a.logger.Debug("App.Run method finished.")
	return sv.Results, nil
}

// solveBackward dispatches stationary stages to fixed-point iteration and
// everything else to backward induction. Mixing the two in one model is
// not supported.
func (a *App) solveBackward(ctx context.Context, sv *solver.Solver) error {
	circ := sv.Circuit()
	var stationary []string
	for _, name := range circ.StageNames {
		if circ.Stages[name].Stationary {
			stationary = append(stationary, name)
		}
	}
	if len(stationary) == 0 {
		if err := sv.SolveBackward(ctx); err != nil {
			return fmt.Errorf("backward solve failed: %w", err)
		}
		return nil
	}
	if len(stationary) != len(circ.StageNames) {
		return fmt.Errorf("stationary and finite-horizon stages cannot mix (%d of %d stationary)",
			len(stationary), len(circ.StageNames))
	}

	for _, name := range stationary {
		feedback, err := stationaryFeedback(circ.Stages[name].Scope)
		if err != nil {
			return fmt.Errorf("stage %q: %w", name, err)
		}
		ctxlog.FromContext(ctx).Debug("Starting stationary iteration.", "stage", name)
		if err := sv.SolveStationary(ctx, name, feedback); err != nil {
			return fmt.Errorf("stationary solve failed: %w", err)
		}
	}
	return nil
}

// stationaryFeedback reads the stage's arrival-to-continuation rename map
// from its settings.
func stationaryFeedback(sc scope.Chain) (map[string]string, error) {
	v, ok := sc.Lookup("stationary_feedback")
	if !ok {
		return nil, fmt.Errorf("stationary stages need a stationary_feedback setting")
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stationary_feedback must be an object of renames, got %T", v)
	}
	out := make(map[string]string, len(raw))
	for from, to := range raw {
		s, ok := to.(string)
		if !ok {
			return nil, fmt.Errorf("stationary_feedback[%q] must be a string, got %T", from, to)
		}
		out[from] = s
	}
	return out, nil
}

func (a *App) persist(set *results.Set) error {
	store, err := results.Open(a.config.ResultsPath)
	if err != nil {
		return fmt.Errorf("failed to open results store: %w", err)
	}
	defer store.Close()
	if err := store.Save(set); err != nil {
		return fmt.Errorf("failed to persist results: %w", err)
	}
	return nil
}
