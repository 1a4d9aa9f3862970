package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/kilnhq/kilnd/internal"
	"github.com/kilnhq/kilnd/internal/build"
	"github.com/kilnhq/kilnd/internal/pipeline"
	"github.com/kilnhq/kilnd/internal/protocol"
)

// Handles a build command.
//
// Parses the pipeline sent by the CLI and executes it against the
// container runtime. A failed build answers with the error class and the
// partial result, so the CLI can report which stages completed.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, protocol.NewError(err, nil))
		return
	}

	p, err := pipeline.Parse(req.Source, req.Filename)
	if err != nil {
		s.respond(conn, protocol.CmdError, protocol.NewError(err, nil))
		return
	}

	s.track(+1, 0, 0)

	result, err := build.Run(ctx, s.runtime, build.Options{
		Pipeline:      p,
		Output:        req.Output,
		Root:          req.Root,
		Platforms:     req.Platforms,
		Env:           req.Env,
		ToolchainRoot: req.ToolchainRoot,
		NoCache:       req.NoCache,
		SkipVerify:    req.SkipVerify,
		VerifyTimeout: time.Duration(s.settings.VerifyTimeout),
		MaxParallel:   s.settings.MaxParallelStages,
		Cache:         s.cache,
		Toolchains:    s.toolchains,
	})
	if err != nil {
		s.track(-1, 0, 1)
		slog.Error("build failed", "pipeline", p.Name, "error", err)
		s.respond(conn, protocol.CmdError, protocol.NewError(err, result))
		return
	}

	s.track(-1, 1, 0)
	s.respond(conn, protocol.CmdOK, result)
}

// Adjusts the build counters.
func (s *Server) track(active, builds, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active += active
	s.builds += builds
	s.failed += failed
}

// Handles a validate command.
func (s *Server) handleValidate(conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ValidateRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, protocol.NewError(err, nil))
		return
	}

	result, err := Validate(req.Source, req.Filename)
	if err != nil {
		s.respond(conn, protocol.CmdError, protocol.NewError(err, nil))
		return
	}

	s.respond(conn, protocol.CmdOK, result)
}

// Parses and validates a pipeline, describing its execution plan.
func Validate(source []byte, filename string) (*protocol.ValidateResult, error) {
	p, err := pipeline.Parse(source, filename)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	g := p.Graph()
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	return &protocol.ValidateResult{
		Name:  p.Name,
		Order: order,
		Edges: g.Edges(),
		Image: p.Image.Stage,
	}, nil
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds, failed, active := s.builds, s.failed, s.active
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Builds:  builds,
		Failed:  failed,
		Active:  active,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}
