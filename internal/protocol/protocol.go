package protocol

import (
	"encoding/json"
	"errors"

	"github.com/kilnhq/kilnd/internal/build"
	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/pipeline"
)

var (
	ErrProtocol = errors.New("protocol error")
)

// Names a request or response kind.
type Command string

const (
	CmdBuild    Command = "build"    // Execute a pipeline.
	CmdValidate Command = "validate" // Parse and validate a pipeline without running it.
	CmdStatus   Command = "status"   // Report daemon state.
	CmdShutdown Command = "shutdown" // Stop the daemon.

	CmdOK    Command = "ok"    // Successful response.
	CmdError Command = "error" // Failed response, payload is [ErrorResult].
)

// Wire form of every message.
type Envelope struct {
	Version int             `json:"version"`
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Current envelope version. Envelopes of another version are rejected.
const Version = 1

// Requests execution of a pipeline.
//
// The pipeline source travels inline so the daemon never reads files the
// client did not name. Root and Output are resolved by the client to
// absolute paths.
type BuildRequest struct {
	Source        []byte            `json:"source"`
	Filename      string            `json:"filename"` // For error positions.
	Root          string            `json:"root"`     // Build context directory.
	Output        string            `json:"output"`   // Image output directory.
	Platforms     []string          `json:"platforms,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	ToolchainRoot string            `json:"toolchainRoot,omitempty"`
	NoCache       bool              `json:"noCache,omitempty"`
	SkipVerify    bool              `json:"skipVerify,omitempty"`
}

// Outcome of a build, sent with [CmdOK] or inside [ErrorResult].
type BuildResult = build.Result

// Requests validation of a pipeline.
type ValidateRequest struct {
	Source   []byte `json:"source"`
	Filename string `json:"filename"`
}

// Describes a valid pipeline.
type ValidateResult struct {
	Name  string          `json:"name"`
	Order []string        `json:"order"` // Stage execution order.
	Edges []pipeline.Edge `json:"edges"` // Artifact edges between stages.
	Image string          `json:"image"` // Stage exported as the image.
}

// Daemon state.
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Builds  int    `json:"builds"` // Builds completed successfully.
	Failed  int    `json:"failed"` // Builds that ended in an error.
	Active  int    `json:"active"` // Builds in progress.
}

// Describes a failed command.
type ErrorResult struct {
	Message string       `json:"message"`
	Kind    string       `json:"kind,omitempty"`   // Error class, e.g. "CompilationError".
	Result  *BuildResult `json:"result,omitempty"` // Partial build outcome, for build failures.
}

func (e *ErrorResult) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// Encodes a command and its payload as a single JSON envelope. The result
// carries no trailing newline.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Version: Version, Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errs.Wrap(ErrProtocol, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errs.Wrap(ErrProtocol, err)
	}
	return data, nil
}

// Decodes an envelope, returning it and its raw payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, errs.Wrap(ErrProtocol, err)
	}
	if env.Version != Version {
		return nil, nil, errs.Wrapf(ErrProtocol, "unsupported envelope version %d", env.Version)
	}
	if env.Command == "" {
		return nil, nil, errs.Wrapf(ErrProtocol, "envelope has no command")
	}
	return &env, env.Payload, nil
}

// Decodes a payload into T.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	if len(payload) == 0 {
		return nil, errs.Wrapf(ErrProtocol, "missing payload")
	}
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, errs.Wrapf(ErrProtocol, "decode %T: %w", v, err)
	}
	return &v, nil
}

// Returns the [ErrorResult] describing err.
func NewError(err error, result *BuildResult) *ErrorResult {
	return &ErrorResult{Message: err.Error(), Kind: build.Kind(err), Result: result}
}
