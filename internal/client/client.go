// Package client talks to the kilnd daemon over its Unix socket.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/paths"
	"github.com/kilnhq/kilnd/internal/protocol"
)

var (
	ErrUnavailable = errors.New("daemon unavailable")
)

// Sends commands to the daemon. Each call uses its own connection.
type Client struct {
	socketPath string
	dialer     net.Dialer
}

// Creates a client for the daemon listening on socketPath. An empty path
// uses the default socket.
func New(socketPath string) *Client {
	if socketPath == "" {
		socketPath = paths.Socket()
	}
	return &Client{socketPath: socketPath}
}

// Sends one command and returns the payload of the daemon's answer.
//
// An error answer is returned as a [*protocol.ErrorResult]. Cancelling ctx
// closes the connection, which makes the daemon cancel the command.
func (c *Client) Do(ctx context.Context, cmd protocol.Command, payload any) (json.RawMessage, error) {
	conn, err := c.dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, errs.Wrap(ErrUnavailable, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(data, byte(10))); err != nil {
		return nil, errs.Wrap(ErrUnavailable, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes(byte(10))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Wrap(protocol.ErrProtocol, err)
	}

	env, raw, err := protocol.Decode(line)
	if err != nil {
		return nil, err
	}

	switch env.Command {
	case protocol.CmdOK:
		return raw, nil
	case protocol.CmdError:
		result, err := protocol.DecodePayload[protocol.ErrorResult](raw)
		if err != nil {
			return nil, err
		}
		return nil, result
	}
	return nil, errs.Wrapf(protocol.ErrProtocol, "unexpected response %q", env.Command)
}

// Runs a build. A failed build returns a [*protocol.ErrorResult] whose
// Result holds the partial outcome.
func (c *Client) Build(ctx context.Context, req *protocol.BuildRequest) (*protocol.BuildResult, error) {
	raw, err := c.Do(ctx, protocol.CmdBuild, req)
	if err != nil {
		return nil, err
	}
	return protocol.DecodePayload[protocol.BuildResult](raw)
}

// Validates a pipeline.
func (c *Client) Validate(ctx context.Context, req *protocol.ValidateRequest) (*protocol.ValidateResult, error) {
	raw, err := c.Do(ctx, protocol.CmdValidate, req)
	if err != nil {
		return nil, err
	}
	return protocol.DecodePayload[protocol.ValidateResult](raw)
}

// Returns the daemon status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	raw, err := c.Do(ctx, protocol.CmdStatus, nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodePayload[protocol.StatusResult](raw)
}

// Asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.Do(ctx, protocol.CmdShutdown, nil)
	return err
}
