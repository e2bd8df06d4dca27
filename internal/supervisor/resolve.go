package supervisor

import (
	"context"
	"os"
	"path/filepath"

	"github.com/coreguard/coreguard/pkg/models"
)

// ServiceProber is the connectivity half of the privileged service
// client, split out so mode resolution stays a pure decision over a
// boolean probe.
type ServiceProber interface {
	Probe(ctx context.Context) bool
}

// ResolveMode decides how the engine should run: delegated only when the
// setting is enabled AND the privileged service is reachable right now.
// Anything else falls back to a directly-owned child process. Resolved
// once per start, never persisted.
func ResolveMode(ctx context.Context, delegatedEnabled bool, prober ServiceProber) models.ExecMode {
	if delegatedEnabled && prober != nil && prober.Probe(ctx) {
		return models.ModeDelegated
	}
	return models.ModeDirect
}

// FindBinary resolves the engine executable for a variant. Search order:
// data directory first, then the install directory.
func FindBinary(variant models.EngineVariant, dataDir, installDir string) (string, error) {
	name := variant.ExecutableName()
	for _, dir := range []string{dataDir, installDir} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", &NotFoundError{Executable: name}
}
