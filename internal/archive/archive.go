package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	// maxEntrySize caps a single extracted file. Static library archives run
	// to a few hundred megabytes; anything past this is a bomb, not a dist.
	maxEntrySize = 4 << 30

	// defaultDirMode is used for directories created implicitly for an entry.
	defaultDirMode = 0o755
)

var (
	errInsecurePath = errors.New("archive entry path escapes the destination")
	errEntryTooLong = errors.New("archive entry exceeds the size limit")
)

// ExtractTarGz unpacks the gzip-compressed tarball at src into destDir,
// preserving the directory structure and file modes recorded in the archive.
// Non-regular entries other than directories (symlinks, devices) are skipped:
// dist archives consist of plain files and directories only.
func ExtractTarGz(src, destDir string) error {
	f, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}

	defer func() {
		_ = gz.Close()
	}()

	reader := tar.NewReader(gz)

	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		// PAX metadata entries carry no payload of their own.
		if header.Typeflag == tar.TypeXGlobalHeader || header.Typeflag == tar.TypeXHeader {
			continue
		}

		entryPath, err := secureEntryPath(header.Name)
		if err != nil {
			return fmt.Errorf("entry %q: %w", header.Name, err)
		}

		target := filepath.Join(destDir, entryPath)

		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeReg:
			if err = writeEntry(reader, header, target); err != nil {
				return fmt.Errorf("entry %q: %w", header.Name, err)
			}
		default:
			continue
		}
	}
}

// secureEntryPath normalizes an archive entry name and rejects names that
// would resolve outside the destination directory.
func secureEntryPath(name string) (string, error) {
	if name == "" {
		return "", errInsecurePath
	}

	// Tar entry names are slash-separated; a backslash smuggled in by a
	// Windows-built archive must not become a path separator here.
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))

	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errInsecurePath
	}

	// Reject Windows drive-letter style names outright.
	if len(clean) > 1 && clean[1] == ':' {
		return "", errInsecurePath
	}

	return filepath.FromSlash(clean), nil
}

// writeEntry streams one regular file entry to its target path.
func writeEntry(reader *tar.Reader, header *tar.Header, target string) error {
	if header.Size > maxEntrySize {
		return errEntryTooLong
	}

	if err := os.MkdirAll(filepath.Dir(target), defaultDirMode); err != nil {
		return err
	}

	out, err := os.OpenFile(filepath.Clean(target),
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC, header.FileInfo().Mode().Perm())
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, io.LimitReader(reader, maxEntrySize)); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}
