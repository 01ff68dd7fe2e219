package dist

import "path/filepath"

// Layout describes the on-disk directory structure of a provisioning run.
type Layout struct {
	// Root is the provisioning root holding downloads, extraction
	// intermediates and the build directory.
	Root string
	// BuildDirname is the build directory name under Root.
	BuildDirname string
}

// BuildDir returns the final build directory path.
func (l *Layout) BuildDir() string {
	return filepath.Join(l.Root, l.BuildDirname)
}

// LibDir returns the static library directory inside the build directory.
func (l *Layout) LibDir() string {
	return filepath.Join(l.BuildDir(), "lib")
}

// IncludeDir returns the header directory inside the build directory.
func (l *Layout) IncludeDir() string {
	return filepath.Join(l.BuildDir(), "include")
}

// ArchivePath returns where the downloaded archive lands inside the root.
func (l *Layout) ArchivePath(filename string) string {
	return filepath.Join(l.Root, filename)
}

// ExtractedDir returns the path of the extraction intermediate inside the root.
func (l *Layout) ExtractedDir(dirname string) string {
	return filepath.Join(l.Root, dirname)
}
