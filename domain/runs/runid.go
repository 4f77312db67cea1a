package runs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/docmesh/docmesh/internal/config"
)

// runIdentity is the slice of a run config that defines the run's
// identity: which documents exist (content sources) and where results
// land (storage). Everything else (worker counts, retry tuning,
// embedding settings) may differ between processes joining the run.
type runIdentity struct {
	Storage config.StorageSpec  `json:"storage"`
	Sources []config.SourceSpec `json:"content_sources"`
}

// NewRunID derives the deterministic run id for a config. Every
// process started against the same content sources and storage target
// computes the same id and therefore shares one queue, with no
// election or rendezvous step.
func NewRunID(rc *config.RunConfig) string {
	identity := runIdentity{
		Storage: rc.Storage,
		Sources: append([]config.SourceSpec(nil), rc.ContentSources...),
	}
	// Identity must not depend on declaration order in the config file.
	sort.Slice(identity.Sources, func(i, j int) bool {
		return identity.Sources[i].Name < identity.Sources[j].Name
	})
	return "run-" + shortHash(identity)
}

// ConfigHash fingerprints the entire run config, not just its identity
// fields. Peers of the same run compare it to detect drift in settings
// that do not change the run id, like retry budgets or embedding model.
func ConfigHash(rc *config.RunConfig) string {
	return shortHash(rc)
}

// RunInfo carries the derived identity of the current process's run.
type RunInfo struct {
	RunID      string
	ConfigHash string
}

// NewRunInfo computes the run identity for a loaded config.
func NewRunInfo(rc *config.RunConfig) RunInfo {
	return RunInfo{RunID: NewRunID(rc), ConfigHash: ConfigHash(rc)}
}

func shortHash(v any) string {
	payload, err := json.Marshal(v)
	if err != nil {
		// Config structs are plain data; marshalling cannot fail for
		// values that passed validation.
		panic("runs: hash config: " + err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}
