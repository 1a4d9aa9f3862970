// Package cache stores stage artifacts by content digest and remembers which
// stage inputs produced them.
//
// Artifacts are tar streams rooted at the port's base name. Before storage
// each stream is normalized so that modification times and owner names do
// not leak into the digest; identical file trees therefore always produce
// the same artifact digest. Blobs live in a containerd local content store
// under <root>/content.
//
// Stage records live under <root>/index as one JSON file per cache key. A
// key is the digest of everything that determines a stage's outputs: base
// image, platform, environment, toolchain digests, steps, input artifact
// digests, and host source hashes. A record is only served when every blob
// it names is still present in the content store.
//
//	c, err := cache.Open(root)
//	key, err := cache.Inputs{...}.Key()
//	if rec, ok, err := c.Lookup(ctx, key); ok { ... }
//	art, err := c.Put(ctx, "bin", tarStream)
//	err = c.Record(&cache.Record{Key: key, Stage: "build", Artifacts: []cache.Artifact{art}})
package cache
