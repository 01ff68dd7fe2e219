package dist

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
)

// ArtifactSet lists the static library names an installation must and may contain.
type ArtifactSet struct {
	// Mandatory artifacts must all be readable for an installation to be complete.
	Mandatory []string
	// Optional artifacts are tolerated: their absence never fails a check.
	Optional []string
}

// Completeness is the result of checking an installed tree against an ArtifactSet.
type Completeness struct {
	// FoundMandatory and MissingMandatory partition the mandatory list.
	FoundMandatory   []string
	MissingMandatory []string
	// FoundOptional and MissingOptional partition the optional list.
	FoundOptional   []string
	MissingOptional []string
}

// Complete reports whether every mandatory artifact was found.
func (c *Completeness) Complete() bool {
	return len(c.MissingMandatory) == 0
}

// Clone returns a deep copy of the artifact set.
func (s *ArtifactSet) Clone() *ArtifactSet {
	if s == nil {
		return nil
	}

	return &ArtifactSet{
		Mandatory: slices.Clone(s.Mandatory),
		Optional:  slices.Clone(s.Optional),
	}
}

// Check probes read access to every artifact of the set under libDir and
// partitions the names into found and missing. A missing or unreadable
// library directory counts every artifact as missing rather than failing,
// so callers can treat "not installed yet" and "partially installed" alike.
func (s *ArtifactSet) Check(libDir string) *Completeness {
	result := &Completeness{
		FoundMandatory:   make([]string, 0, len(s.Mandatory)),
		MissingMandatory: make([]string, 0, len(s.Mandatory)),
		FoundOptional:    make([]string, 0, len(s.Optional)),
		MissingOptional:  make([]string, 0, len(s.Optional)),
	}

	for _, name := range s.Mandatory {
		if isReadable(filepath.Join(libDir, name)) {
			result.FoundMandatory = append(result.FoundMandatory, name)
		} else {
			result.MissingMandatory = append(result.MissingMandatory, name)
		}
	}

	for _, name := range s.Optional {
		if isReadable(filepath.Join(libDir, name)) {
			result.FoundOptional = append(result.FoundOptional, name)
		} else {
			result.MissingOptional = append(result.MissingOptional, name)
		}
	}

	return result
}

// isReadable reports whether the file at path can actually be opened for
// reading. A bare stat is not enough: the downstream compile links these
// archives, so an entry with no read permission is as bad as a missing one.
func isReadable(path string) bool {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return false
	}

	defer f.Close()

	// Directories masquerading as artifacts do not count.
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}

	return true
}

// errNoArtifacts is returned when an artifact set has no mandatory entries.
var errNoArtifacts = errors.New("artifact set has no mandatory entries")

// Validate rejects artifact sets that cannot gate an installation.
func (s *ArtifactSet) Validate() error {
	if len(s.Mandatory) == 0 {
		return errNoArtifacts
	}

	return nil
}
