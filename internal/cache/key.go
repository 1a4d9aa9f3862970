package cache

import (
	"encoding/binary"
	"encoding/json"
	"hash"
	"slices"
	"strconv"

	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
)

// Prefix mixed into every key. Changing it invalidates all records.
const keyDomain = "kilnd/stage/v1"

// Everything that determines a stage's outputs.
type Inputs struct {
	Stage      string
	Base       string            // Base image reference, or archive digest for local archives.
	Platform   string            // Normalized platform string.
	Env        map[string]string // Stage environment after defaults.
	Toolchains []digest.Digest   // Archive digests in the stage's declaration order.
	Steps      any               // Step list, hashed as JSON.
	Artifacts  []digest.Digest   // Digests of copied artifacts in step order.
	Sources    []digest.Digest   // Hashes of build context sources in step order.
	Outputs    map[string]string // Port name to path.
}

// Computes the cache key.
//
// Every field is length-prefixed and maps are hashed in key order, so two
// inputs produce the same key exactly when all their fields are equal.
func (in Inputs) Key() (digest.Digest, error) {
	steps, err := json.Marshal(in.Steps)
	if err != nil {
		return "", errs.Wrap(ErrCache, err)
	}

	d := digest.Canonical.Digester()
	h := d.Hash()

	writeField(h, keyDomain)
	writeField(h, in.Stage)
	writeField(h, in.Base)
	writeField(h, in.Platform)
	writeMap(h, in.Env)
	writeDigests(h, in.Toolchains)
	writeField(h, string(steps))
	writeDigests(h, in.Artifacts)
	writeDigests(h, in.Sources)
	writeMap(h, in.Outputs)

	return d.Digest(), nil
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func writeMap(h hash.Hash, m map[string]string) {
	keys := lo.Keys(m)
	slices.Sort(keys)

	writeField(h, strconv.Itoa(len(keys)))
	for _, k := range keys {
		writeField(h, k)
		writeField(h, m[k])
	}
}

func writeDigests(h hash.Hash, ds []digest.Digest) {
	writeField(h, strconv.Itoa(len(ds)))
	for _, d := range ds {
		writeField(h, d.String())
	}
}
