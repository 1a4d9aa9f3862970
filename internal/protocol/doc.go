// Package protocol defines the messages exchanged between the kilnd CLI
// and the daemon.
//
// Every message is an [Envelope]: a command name plus a JSON payload whose
// type depends on the command. A connection carries exactly one exchange.
// The client writes one newline-terminated envelope, the daemon answers
// with one envelope whose command is [CmdOK] or [CmdError].
//
// Example usage:
//
//	data, err := protocol.Encode(protocol.CmdBuild, &protocol.BuildRequest{
//	    Source:   src,
//	    Filename: "pipeline.cue",
//	    Root:     ".",
//	    Output:   "dist",
//	})
//	if err != nil {
//	    return err
//	}
package protocol
