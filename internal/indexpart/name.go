package indexpart

import (
	"fmt"
	"strings"

	"github.com/neondatabase/pageserver-go/internal/layer"
)

// baseName is the object name prefix IndexPart objects share.
const baseName = "index_part.json"

// ObjectName renders the remote object name for gen. NoGeneration
// renders the bare legacy name with no suffix.
func ObjectName(gen layer.Generation) string {
	if !gen.HasGeneration() {
		return baseName
	}
	return fmt.Sprintf("%s-%08x", baseName, uint32(gen))
}

// ParseObjectName extracts the generation from an index_part.json[-gen]
// object name. A name with no suffix parses to NoGeneration.
func ParseObjectName(name string) (layer.Generation, error) {
	if name == baseName {
		return layer.NoGeneration, nil
	}
	prefix := baseName + "-"
	if !strings.HasPrefix(name, prefix) {
		return 0, fmt.Errorf("indexpart: %q is not an index_part.json object name", name)
	}
	suffix := name[len(prefix):]
	var g uint32
	if len(suffix) != 8 {
		return 0, fmt.Errorf("indexpart: bad generation suffix %q", suffix)
	}
	if _, err := fmt.Sscanf(suffix, "%08x", &g); err != nil {
		return 0, fmt.Errorf("indexpart: %w", err)
	}
	return layer.Generation(g), nil
}

// PickNewest returns the name with the highest generation among
// names, treating a generation-less name as older than any
// generation-stamped one. names must all be valid index_part.json[-gen]
// object names; malformed entries are skipped.
func PickNewest(names []string) (string, layer.Generation, bool) {
	var best string
	var bestGen layer.Generation
	haveBest := false

	for _, n := range names {
		gen, err := ParseObjectName(n)
		if err != nil {
			continue
		}
		// NoGeneration is the zero value, so plain numeric comparison
		// already treats a generation-less name as oldest.
		if !haveBest || gen > bestGen {
			best, bestGen, haveBest = n, gen, true
		}
	}
	return best, bestGen, haveBest
}
