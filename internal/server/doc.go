// Package server implements the kilnd daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the kilnd CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the
// server dispatches the command, and writes the result back before
// closing the connection. Closing the connection early cancels the
// command, which for a build stops every running stage.
//
// Build commands are delegated to the build package, which in turn uses
// the runtime package for container operations against containerd, the
// cache package for artifacts, and the toolchain package for pinned
// toolchain archives.
//
// Example usage:
//
//	srv, err := server.New(server.Config{Settings: s})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
