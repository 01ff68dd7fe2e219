package dist

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Source describes where a prebuilt dist archive is hosted.
type Source struct {
	// Repository is the base URL of the repository hosting dist branches.
	Repository string
	// Branch is the branch holding the prebuilt payload for one
	// version/platform pair, e.g. "ffmpeg-6.0-linux-amd64".
	Branch string
}

// ArchiveURL returns the tarball URL for the source branch, following the
// GitHub convention <repository>/archive/refs/heads/<branch>.tar.gz.
func (s *Source) ArchiveURL() (string, error) {
	u, err := url.Parse(s.Repository)
	if err != nil {
		return "", fmt.Errorf("parse dist repository URL: %w", err)
	}

	u.Path = path.Join(u.Path, "archive", "refs", "heads", s.Branch+".tar.gz")

	return u.String(), nil
}

// ArchiveFilename returns the local filename the archive is downloaded to.
func (s *Source) ArchiveFilename() string {
	return s.Branch + ".tar.gz"
}

// ExtractedDirname returns the directory name the archive unpacks into.
// Branch tarballs place everything under a single "<repository>-<branch>"
// directory at the archive root.
func (s *Source) ExtractedDirname() (string, error) {
	u, err := url.Parse(s.Repository)
	if err != nil {
		return "", fmt.Errorf("parse dist repository URL: %w", err)
	}

	repo := path.Base(strings.TrimSuffix(u.Path, "/"))
	if repo == "." || repo == "/" || repo == "" {
		return "", fmt.Errorf("dist repository URL %q has no repository name", s.Repository)
	}

	return repo + "-" + s.Branch, nil
}
