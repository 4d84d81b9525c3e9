// Package app contains the application lifecycle: load the model
// documents, assemble the circuit, solve it, and optionally persist the
// results. It is decoupled from any specific entrypoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/stagegrid/internal/circuit"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/loader"
	"github.com/vk/stagegrid/internal/solver"
)

// Config holds everything an App instance needs to run.
type Config struct {
	// ModelPath is the model directory (master.yaml, stage documents,
	// optional connections.yaml).
	ModelPath string
	// ResultsPath, when set, persists the solved arrays into a bolt file.
	ResultsPath string

	// Simulate runs the forward distribution pass after the backward solve.
	Simulate bool
	// Workers caps concurrent movers per tier; zero means unlimited.
	Workers int
	// Horizon, when positive, overrides the master document's horizon.
	Horizon int

	LogFormat string
	LogLevel  string
}

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
	model  *loader.Model
}

// New builds a fully initialized App with its own isolated logger and the
// model documents already loaded and decoded.
func New(outW io.Writer, cfg *Config) (*App, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("ModelPath is a required configuration field and cannot be empty")
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	m, err := loader.LoadModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model documents: %w", err)
	}
	logger.Debug("Model documents loaded.",
		"stages", len(m.Stages), "connections", len(m.Connections), "horizon", m.Master.Horizon)

	return &App{outW: outW, logger: logger, config: cfg, model: m}, nil
}

// Model exposes the decoded documents, primarily for testing.
func (a *App) Model() *loader.Model { return a.model }

// Assemble compiles and validates the circuit without solving it.
func (a *App) Assemble(ctx context.Context) (*circuit.Circuit, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	master := a.model.Master
	if a.config.Horizon > 0 {
		override := *master
		override.Horizon = a.config.Horizon
		master = &override
	}
	return circuit.Assemble(ctx, master, a.model.Stages, a.model.Connections,
		&circuit.Options{Methods: solver.Methods()})
}
