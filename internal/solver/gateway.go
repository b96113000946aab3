/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package solver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	utilexec "k8s.io/utils/exec"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
)

var errLineExhausted = errors.New("result ended early")

// Gateway runs the external solver and parses its result artifact.
// It owns the lifecycle of the files in its work directory.
type Gateway struct {
	exec    utilexec.Interface
	encoder Encoder

	command    string
	args       []string
	workDir    string
	resultFile string

	// observe is called with the duration and outcome of every solver run.
	observe func(d time.Duration, err error)
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithExec replaces the process runner.
func WithExec(e utilexec.Interface) GatewayOption {
	return func(g *Gateway) { g.exec = e }
}

// WithObserver registers a callback for solver run outcomes.
func WithObserver(fn func(time.Duration, error)) GatewayOption {
	return func(g *Gateway) { g.observe = fn }
}

// NewGateway creates a gateway from the solver configuration.
func NewGateway(cfg config.SolverConfig, opts ...GatewayOption) (*Gateway, error) {
	enc, err := NewEncoder(cfg.Encoder, cfg.TemplateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, provisioning.NewError(provisioning.KindConfiguration,
			fmt.Errorf("creating solver work directory: %w", err))
	}
	g := &Gateway{
		exec:       utilexec.New(),
		encoder:    enc,
		command:    cfg.Command,
		args:       cfg.Args,
		workDir:    cfg.WorkDir,
		resultFile: cfg.ResultFile,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Encoder returns the encoder used for solver input.
func (g *Gateway) Encoder() Encoder {
	return g.encoder
}

// ResultPath returns the path of the result artifact.
func (g *Gateway) ResultPath() string {
	return filepath.Join(g.workDir, g.resultFile)
}

// SolveInput writes in with the gateway's encoder and solves it.
func (g *Gateway) SolveInput(ctx context.Context, in *Input) (Assignment, error) {
	args, err := g.encoder.Write(g.workDir, in, g.resultFile)
	if err != nil {
		return nil, err
	}
	return g.solve(ctx, in.Requests(), in.Nodes(), args)
}

// Solve runs the solver against the input already present in the work
// directory and returns the requestCount x nodeCount assignment.
func (g *Gateway) Solve(ctx context.Context, requestCount, nodeCount int) (Assignment, error) {
	return g.solve(ctx, requestCount, nodeCount, nil)
}

func (g *Gateway) solve(ctx context.Context, requestCount, nodeCount int, inputArgs []string) (Assignment, error) {
	logger := ctrl.LoggerFrom(ctx)

	// The result slot must exist and be empty before the solver appends to it.
	if err := os.WriteFile(g.ResultPath(), nil, 0o644); err != nil {
		return nil, provisioning.NewError(provisioning.KindSolverExecution,
			fmt.Errorf("preparing result file: %w", err))
	}

	args := append(append([]string{}, g.args...), inputArgs...)
	logger.V(logging.DEBUG).Info("Running solver", "command", g.command, "args", args, "dir", g.workDir)

	start := time.Now()
	err := g.run(ctx, args)
	if g.observe != nil {
		g.observe(time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	// The result is consumed by parsing, whether or not it was well formed.
	defer func() {
		if err := os.Truncate(g.ResultPath(), 0); err != nil {
			logger.Error(err, "Failed to truncate solver result file", "path", g.ResultPath())
		}
	}()

	result, err := g.parse(requestCount, nodeCount)
	if err != nil {
		return nil, err
	}
	logger.V(logging.VERBOSE).Info("Solver finished", "requests", requestCount, "nodes", nodeCount,
		"duration", time.Since(start))
	return result, nil
}

func (g *Gateway) run(ctx context.Context, args []string) error {
	cmd := g.exec.CommandContext(ctx, g.command, args...)
	cmd.SetDir(g.workDir)
	cmd.SetStdout(io.Discard)
	cmd.SetStderr(io.Discard)
	if err := cmd.Run(); err != nil {
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) {
			return provisioning.NewError(provisioning.KindSolverExecution,
				fmt.Errorf("solver exited with status %d: %w", exitErr.ExitStatus(), err))
		}
		return provisioning.NewError(provisioning.KindSolverExecution, fmt.Errorf("running solver: %w", err))
	}
	return nil
}

// parse reads requestCount*nodeCount lines in row-major order, taking the
// leading digit of each.
func (g *Gateway) parse(requestCount, nodeCount int) (Assignment, error) {
	f, err := os.Open(g.ResultPath())
	if err != nil {
		return nil, provisioning.NewError(provisioning.KindMalformedResult, fmt.Errorf("opening result: %w", err))
	}
	defer f.Close()

	result := NewAssignment(requestCount, nodeCount)
	scanner := bufio.NewScanner(f)
	for i := 0; i < requestCount; i++ {
		for j := 0; j < nodeCount; j++ {
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return nil, provisioning.NewError(provisioning.KindMalformedResult, err)
				}
				return nil, provisioning.NewError(provisioning.KindMalformedResult,
					fmt.Errorf("%w: expected %d lines, got %d", errLineExhausted, requestCount*nodeCount, i*nodeCount+j))
			}
			v, err := parseDigit(scanner.Text())
			if err != nil {
				return nil, provisioning.NewError(provisioning.KindMalformedResult,
					fmt.Errorf("line %d: %w", i*nodeCount+j+1, err))
			}
			result[i][j] = v
		}
	}
	if err := result.Validate(); err != nil {
		return nil, provisioning.NewError(provisioning.KindMalformedResult, err)
	}
	return result, nil
}

func parseDigit(line string) (uint8, error) {
	if line == "" {
		return 0, fmt.Errorf("empty line")
	}
	switch line[0] {
	case '0':
		return 0, nil
	case '1':
		return 1, nil
	default:
		return 0, fmt.Errorf("expected 0 or 1, got %q", line)
	}
}
