package integration

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha512"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"

	"github.com/mkraev/ffdist/internal/config"
	"github.com/mkraev/ffdist/internal/logger"
	"github.com/mkraev/ffdist/internal/manifest"
	"github.com/mkraev/ffdist/internal/platform"
	"github.com/mkraev/ffdist/internal/repository/receipt"
	"github.com/mkraev/ffdist/internal/service/provision"
)

const (
	testRepoPath = "/mkraev/ffmpeg-static-dist"
	testBranch   = "ffmpeg-6.0-linux-amd64"
)

// chtemp switches the working directory to a fresh temporary one for the
// duration of the test.
func chtemp(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	prev, _ := os.Getwd()

	t.Chdir(dir)
	t.Cleanup(func() {
		t.Chdir(prev)
	})

	return dir
}

// resolveTestTarget pins the provisioning target so branch names stay
// deterministic regardless of the host running the tests.
func resolveTestTarget(t *testing.T) *platform.Target {
	t.Helper()

	target, err := platform.Resolve("linux", "amd64")
	require.NoError(t, err)

	return target
}

// distFiles returns a minimal dist payload carrying every default artifact.
func distFiles() map[string][]byte {
	files := map[string][]byte{
		"include/libavcodec/avcodec.h": []byte("#include <libavutil/samplefmt.h>\n"),
		"include/libavutil/avutil.h":   []byte("#define AVUTIL_AVUTIL_H\n"),
		"README.md":                    []byte("FFmpeg static dist\n"),
	}

	for _, name := range append(config.DefaultMandatoryArtifacts(), config.DefaultOptionalArtifacts()...) {
		files["lib/"+name] = []byte("!<arch>\n" + name)
	}

	return files
}

// buildDistArchive produces a tar.gz with the payload nested under dirname,
// the way Git forge branch archives are laid out.
func buildDistArchive(t *testing.T, dirname string, files map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	gzWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzWriter)

	require.NoError(t, tarWriter.WriteHeader(&tar.Header{
		Name:     dirname + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
	}))

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		body := files[name]

		require.NoError(t, tarWriter.WriteHeader(&tar.Header{
			Name:     dirname + "/" + name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(body)),
		}))

		_, err := tarWriter.Write(body)
		require.NoError(t, err)
	}

	require.NoError(t, tarWriter.Close())
	require.NoError(t, gzWriter.Close())

	return buf.Bytes()
}

// describeLibArtifacts checksums every lib/ file the way ffdist-package would.
func describeLibArtifacts(files map[string][]byte) *manifest.Manifest {
	m := manifest.New("6.0")

	for name, body := range files {
		if filepath.Dir(name) != "lib" {
			continue
		}

		sum := sha512.Sum512(body)
		m.SetChecksum(filepath.Base(name), sum[:])
	}

	return m
}

// newProvisionConfig returns settings pointing at the test server.
func newProvisionConfig(serverURL string) *config.Config {
	return &config.Config{
		DistVersion:    "6.0",
		DistRepository: serverURL + testRepoPath,
		RootFolder:     "ffmpeg",
		BuildFolder:    "ffmpeg-static",
	}
}

// archiveRoute composes the branch archive URL path for the given branch.
func archiveRoute(branch string) string {
	return testRepoPath + "/archive/refs/heads/" + branch + ".tar.gz"
}

// TestProvision_Run_InstallsFreshDist serves a branch archive over HTTP and
// verifies a clean machine ends up with a complete build directory.
//
//nolint:funlen // Integration test requires comprehensive setup and verification.
func TestProvision_Run_InstallsFreshDist(t *testing.T) {
	chtemp(t)

	// Serve the dist archive the way a Git forge would.
	archive := buildDistArchive(t, "ffmpeg-static-dist-"+testBranch, distFiles())
	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	observed, recorded := observer.New(zapcore.InfoLevel)
	ctx := logger.ToContext(context.Background(), zap.New(observed).Sugar())

	cfg := newProvisionConfig(ts.URL)

	buildDir, err := provision.Run(ctx, &provision.Options{
		Config: cfg,
		Target: resolveTestTarget(t),
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join("ffmpeg", "ffmpeg-static"), buildDir)

	// The run reports mandatory satisfaction and names the optional artifact
	// it found.
	satisfied := recorded.FilterMessage("All mandatory artifacts are present").All()
	require.Len(t, satisfied, 1)
	require.EqualValues(t, len(config.DefaultMandatoryArtifacts()), satisfied[0].ContextMap()["count"])

	optional := recorded.FilterMessage("Optional artifact present").All()
	require.Len(t, optional, 1)
	require.Equal(t, "libpostproc.a", optional[0].ContextMap()["artifact"])

	// Every mandatory artifact must land under lib/ with install permissions.
	for _, name := range config.DefaultMandatoryArtifacts() {
		info, statErr := os.Stat(filepath.Join(buildDir, "lib", name))
		require.NoError(t, statErr)
		require.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	}

	// Headers travel with the libraries.
	header, err := os.ReadFile(filepath.Join(buildDir, "include", "libavcodec", "avcodec.h"))
	require.NoError(t, err)
	require.Contains(t, string(header), "samplefmt")

	// The install receipt records what was provisioned.
	rec, err := receipt.ForBuildDir(buildDir).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "6.0", rec.DistVersion)

	// Intermediates and the marker are gone.
	_, err = os.Stat(filepath.Join("ffmpeg", testBranch+".tar.gz"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Stat(filepath.Join("ffmpeg", "ffmpeg-static-dist-"+testBranch))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Stat(provision.MarkerFilename)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestProvision_Run_SecondRunStaysOffline verifies a complete installation
// short-circuits repeated runs without any HTTP traffic.
func TestProvision_Run_SecondRunStaysOffline(t *testing.T) {
	chtemp(t)

	var requests atomic.Int64

	archive := buildDistArchive(t, "ffmpeg-static-dist-"+testBranch, distFiles())
	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write(archive)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	cfg := newProvisionConfig(ts.URL)
	opts := &provision.Options{Config: cfg, Target: resolveTestTarget(t)}

	first, err := provision.Run(context.Background(), opts)
	require.NoError(t, err)
	require.EqualValues(t, 1, requests.Load())

	second, err := provision.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, requests.Load())
}

// TestProvision_Run_FollowsRedirects verifies the download survives a chain
// of permanent and temporary redirects.
func TestProvision_Run_FollowsRedirects(t *testing.T) {
	chtemp(t)

	archive := buildDistArchive(t, "ffmpeg-static-dist-"+testBranch, distFiles())
	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop1", http.StatusFound)
	})
	mux.HandleFunc("/hop1", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop2", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/hop2", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/payload", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/payload", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	buildDir, err := provision.Run(context.Background(), &provision.Options{
		Config: newProvisionConfig(ts.URL),
		Target: resolveTestTarget(t),
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(buildDir, "lib", "libavcodec.a"))
	require.NoError(t, err)
}

// TestProvision_Run_RedirectLoopFails verifies a redirect loop is cut off
// instead of spinning forever.
func TestProvision_Run_RedirectLoopFails(t *testing.T) {
	chtemp(t)

	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	_, err := provision.Run(context.Background(), &provision.Options{
		Config: newProvisionConfig(ts.URL),
		Target: resolveTestTarget(t),
	})
	require.Error(t, err)
	require.ErrorContains(t, err, "redirects")
}

// TestProvision_Run_WrongArchiveLayoutFails verifies an archive without the
// expected nested directory is rejected.
func TestProvision_Run_WrongArchiveLayoutFails(t *testing.T) {
	chtemp(t)

	// The payload sits under an unexpected top-level directory.
	archive := buildDistArchive(t, "someone-renamed-this", distFiles())
	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	_, err := provision.Run(context.Background(), &provision.Options{
		Config: newProvisionConfig(ts.URL),
		Target: resolveTestTarget(t),
	})
	require.ErrorIs(t, err, provision.ErrArchiveLayout)
}

// TestProvision_Run_IncompleteDistFails verifies a dist missing a mandatory
// artifact fails the final completeness check.
func TestProvision_Run_IncompleteDistFails(t *testing.T) {
	chtemp(t)

	files := distFiles()
	delete(files, "lib/libavutil.a")

	archive := buildDistArchive(t, "ffmpeg-static-dist-"+testBranch, files)
	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	_, err := provision.Run(context.Background(), &provision.Options{
		Config: newProvisionConfig(ts.URL),
		Target: resolveTestTarget(t),
	})
	require.ErrorIs(t, err, provision.ErrIncompleteInstall)
	require.ErrorContains(t, err, "libavutil.a")
}

// TestProvision_Run_MissingOptionalSucceeds verifies optional artifacts never
// fail an install.
func TestProvision_Run_MissingOptionalSucceeds(t *testing.T) {
	chtemp(t)

	files := distFiles()
	delete(files, "lib/libpostproc.a")

	archive := buildDistArchive(t, "ffmpeg-static-dist-"+testBranch, files)
	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	buildDir, err := provision.Run(context.Background(), &provision.Options{
		Config: newProvisionConfig(ts.URL),
		Target: resolveTestTarget(t),
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(buildDir, "lib", "libpostproc.a"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestProvision_Run_RestoresDeletedArtifact verifies a damaged installation
// triggers a full re-download.
func TestProvision_Run_RestoresDeletedArtifact(t *testing.T) {
	chtemp(t)

	var requests atomic.Int64

	archive := buildDistArchive(t, "ffmpeg-static-dist-"+testBranch, distFiles())
	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write(archive)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	opts := &provision.Options{Config: newProvisionConfig(ts.URL), Target: resolveTestTarget(t)}

	buildDir, err := provision.Run(context.Background(), opts)
	require.NoError(t, err)

	// Damage the installation and provision again.
	damaged := filepath.Join(buildDir, "lib", "libavfilter.a")
	require.NoError(t, os.Remove(damaged))

	_, err = provision.Run(context.Background(), opts)
	require.NoError(t, err)
	require.EqualValues(t, 2, requests.Load())

	_, err = os.Stat(damaged)
	require.NoError(t, err)
}

// TestProvision_Run_ReinstallsOnVersionChange verifies bumping the requested
// version invalidates a complete installation.
func TestProvision_Run_ReinstallsOnVersionChange(t *testing.T) {
	chtemp(t)

	var requests atomic.Int64

	branch61 := "ffmpeg-6.1-linux-amd64"
	archive60 := buildDistArchive(t, "ffmpeg-static-dist-"+testBranch, distFiles())
	archive61 := buildDistArchive(t, "ffmpeg-static-dist-"+branch61, distFiles())

	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write(archive60)
	})
	mux.HandleFunc(archiveRoute(branch61), func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write(archive61)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	cfg := newProvisionConfig(ts.URL)
	opts := &provision.Options{Config: cfg, Target: resolveTestTarget(t)}

	buildDir, err := provision.Run(context.Background(), opts)
	require.NoError(t, err)
	require.EqualValues(t, 1, requests.Load())

	// The operator bumps the requested dist version.
	cfg.DistVersion = "6.1"

	_, err = provision.Run(context.Background(), opts)
	require.NoError(t, err)
	require.EqualValues(t, 2, requests.Load())

	rec, err := receipt.ForBuildDir(buildDir).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "6.1", rec.DistVersion)
}

// TestProvision_Run_VerifiesManifestChecksums verifies a manifest shipped in
// the dist tree is honored and carried into the install receipt.
func TestProvision_Run_VerifiesManifestChecksums(t *testing.T) {
	chtemp(t)

	files := distFiles()
	m := describeLibArtifacts(files)

	manifestBytes, err := yaml.Marshal(m)
	require.NoError(t, err)

	files[manifest.Filename] = manifestBytes

	archive := buildDistArchive(t, "ffmpeg-static-dist-"+testBranch, files)
	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	buildDir, err := provision.Run(context.Background(), &provision.Options{
		Config: newProvisionConfig(ts.URL),
		Target: resolveTestTarget(t),
	})
	require.NoError(t, err)

	// The receipt must carry the verified checksums forward.
	rec, err := receipt.ForBuildDir(buildDir).Load(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, rec.Checksums)
	require.NoError(t, rec.VerifyFile(filepath.Join(buildDir, "lib"), "libavcodec.a"))
}

// TestProvision_Run_ChecksumMismatchFails verifies a corrupted artifact is
// refused when the dist manifest disagrees with the payload.
func TestProvision_Run_ChecksumMismatchFails(t *testing.T) {
	chtemp(t)

	files := distFiles()
	m := describeLibArtifacts(files)

	// Record a checksum that cannot match the shipped bytes.
	bogus := sha512.Sum512([]byte("somebody tampered with this"))
	m.SetChecksum("libavcodec.a", bogus[:])

	manifestBytes, err := yaml.Marshal(m)
	require.NoError(t, err)

	files[manifest.Filename] = manifestBytes

	archive := buildDistArchive(t, "ffmpeg-static-dist-"+testBranch, files)
	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	_, err = provision.Run(context.Background(), &provision.Options{
		Config: newProvisionConfig(ts.URL),
		Target: resolveTestTarget(t),
	})
	require.Error(t, err)
	require.ErrorContains(t, err, "apply libavcodec.a")

	// A failed install must not be recorded as complete.
	repo := receipt.ForBuildDir(filepath.Join("ffmpeg", "ffmpeg-static"))

	_, err = repo.Load(context.Background())
	require.ErrorIs(t, err, receipt.ErrNotFound)
}

// TestProvision_Run_RerunAfterChecksumMismatchRedownloads verifies a refused
// artifact leaves nothing behind that could satisfy the next run's
// completeness check: the rerun downloads again instead of reporting the
// corrupt tree as complete.
func TestProvision_Run_RerunAfterChecksumMismatchRedownloads(t *testing.T) {
	chtemp(t)

	var requests atomic.Int64

	files := distFiles()
	m := describeLibArtifacts(files)

	// Corrupt the checksum of the artifact relocation reaches last, so every
	// other library is already installed when the apply is refused.
	bogus := sha512.Sum512([]byte("somebody tampered with this"))
	m.SetChecksum("libswscale.a", bogus[:])

	manifestBytes, err := yaml.Marshal(m)
	require.NoError(t, err)

	files[manifest.Filename] = manifestBytes

	archive := buildDistArchive(t, "ffmpeg-static-dist-"+testBranch, files)
	mux := http.NewServeMux()
	mux.HandleFunc(archiveRoute(testBranch), func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write(archive)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	opts := &provision.Options{Config: newProvisionConfig(ts.URL), Target: resolveTestTarget(t)}

	_, err = provision.Run(context.Background(), opts)
	require.ErrorContains(t, err, "apply libswscale.a")

	// The refused artifact must not linger as an empty file.
	_, err = os.Stat(filepath.Join("ffmpeg", "ffmpeg-static", "lib", "libswscale.a"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = provision.Run(context.Background(), opts)
	require.ErrorContains(t, err, "apply libswscale.a")
	require.EqualValues(t, 2, requests.Load())
}
