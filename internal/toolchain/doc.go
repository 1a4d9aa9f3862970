// Package toolchain downloads pinned toolchain archives and installs them
// into stages.
//
// An archive is fetched once per digest and kept in the artifact content
// store. Downloads are streamed through a digest verifier and are never
// committed when the content does not match the pinned digest. Concurrent
// requests for the same digest share one download.
//
// Installation copies the verified archive into the stage and unpacks it
// with the stage's own tar. Nothing from the archive is executed.
package toolchain
