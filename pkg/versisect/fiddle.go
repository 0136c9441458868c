package versisect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode"

	_ "crypto/sha256"

	"github.com/opencontainers/go-digest"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// A FiddleSource references the code sample of a task.
// It is either a [LocalFiddle], a [GistFiddle] or an [InlineFiddle].
type FiddleSource interface {
	fmt.Stringer
	isFiddleSource()
}

// A LocalFiddle is a directory on the local file system
type LocalFiddle struct {
	Path string
}

// A GistFiddle is a fiddle shared as a GitHub gist
type GistFiddle struct {
	ID string
}

// An InlineFiddle carries its files directly, mapping file names to contents
type InlineFiddle struct {
	Files map[string]string
}

func (f LocalFiddle) String() string  { return f.Path }
func (f GistFiddle) String() string   { return f.ID }
func (f InlineFiddle) String() string { return fmt.Sprintf("inline fiddle with %d files", len(f.Files)) }

func (LocalFiddle) isFiddleSource()  {}
func (GistFiddle) isFiddleSource()   {}
func (InlineFiddle) isFiddleSource() {}

var (
	gistIDRegex  = regexp.MustCompile(`^[0-9A-Fa-f]{32}$`)
	gistURLRegex = regexp.MustCompile(`^https?://gist\.github\.com/(?:[^/]+/)?([0-9A-Fa-f]{32})/?$`)
)

// ParseFiddleSource classifies a fiddle reference without touching the file system or network.
// A 32 character hex string or a gist URL is a [GistFiddle], anything else a [LocalFiddle].
// An empty reference is the directory cwd.
func ParseFiddleSource(ref, cwd string) (FiddleSource, error) {
	if ref == "" {
		return LocalFiddle{Path: cwd}, nil
	}
	if strings.TrimSpace(ref) == "" || strings.ContainsFunc(ref, unicode.IsControl) {
		return nil, &UsageError{Msg: fmt.Sprintf("malformed fiddle reference %q", ref)}
	}
	if gistIDRegex.MatchString(ref) {
		return GistFiddle{ID: ref}, nil
	}
	if m := gistURLRegex.FindStringSubmatch(ref); m != nil {
		return GistFiddle{ID: m[1]}, nil
	}
	// Kept as typed so messages quote it verbatim, relative paths are joined when resolving
	return LocalFiddle{Path: ref}, nil
}

// A Fiddle is a resolved fiddle source. Its files live in a private snapshot directory,
// so changes to the fiddle directory don't affect runs of a task that already started.
type Fiddle struct {
	Source FiddleSource

	Dir    string            // The snapshot directory
	Files  map[string]string // The snapshot's files, relative to Dir
	Digest digest.Digest     // Digest over the names and contents of all files
}

// Cleanup removes the snapshot directory
func (f *Fiddle) Cleanup() error {
	return os.RemoveAll(f.Dir)
}

// A Resolver turns a fiddle source into files. Failing resolutions return a [*ResolutionError].
type Resolver interface {
	Resolve(ctx context.Context, source FiddleSource) (*Fiddle, error)
}

// DefaultGistAPI is the API gists are fetched from
const DefaultGistAPI = "https://api.github.com/gists"

// A FileResolver resolves local directories, inline files and gists
type FileResolver struct {
	WorkingDir string // The directory relative local fiddles are resolved against

	GistAPI    string       // The gist API endpoint. Defaults to DefaultGistAPI
	HTTPClient *http.Client // The client gists are fetched with. Defaults to http.DefaultClient

	Log *logrus.Logger
}

// Resolve snapshots the fiddle referenced by source into a new temporary directory
func (r *FileResolver) Resolve(ctx context.Context, source FiddleSource) (*Fiddle, error) {
	dir, err := os.MkdirTemp("", "versisect-fiddle-")
	if err != nil {
		return nil, err
	}

	switch s := source.(type) {
	case LocalFiddle:
		err = r.snapshotLocal(s, dir)
	case GistFiddle:
		err = r.snapshotGist(ctx, s, dir)
	case InlineFiddle:
		err = writeFiles(dir, s.Files)
		if err != nil {
			err = &ResolutionError{Source: s, Msg: fmt.Sprintf("Invalid inline fiddle - %v", err), Err: err}
		}
	default:
		err = &ResolutionError{Source: source, Msg: fmt.Sprintf("Unsupported fiddle source %T", source)}
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	fiddle, err := readSnapshot(source, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	orMuted(r.Log).Debugf("Resolved fiddle %s to %d files in %s, digest %s", source, len(fiddle.Files), dir, fiddle.Digest)
	return fiddle, nil
}

func (r *FileResolver) snapshotLocal(source LocalFiddle, dir string) error {
	path := source.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.WorkingDir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return unrecognizedFiddle(source, err)
	}
	if !info.IsDir() {
		return unrecognizedFiddle(source, fmt.Errorf("%s is not a directory", path))
	}

	if err := copy.Copy(path, dir, copy.Options{
		Skip: func(srcinfo os.FileInfo, src, dest string) (bool, error) {
			return srcinfo.IsDir() && slices.Contains([]string{".git", "node_modules"}, srcinfo.Name()), nil
		},
	}); err != nil {
		return &ResolutionError{Source: source, Msg: fmt.Sprintf("Failed to copy fiddle %s - %v", path, err), Err: err}
	}
	return nil
}

func (r *FileResolver) snapshotGist(ctx context.Context, source GistFiddle, dir string) error {
	api := r.GistAPI
	if api == "" {
		api = DefaultGistAPI
	}
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(api, "/")+"/"+source.ID, nil)
	if err != nil {
		return unrecognizedFiddle(source, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	res, err := client.Do(req)
	if err != nil {
		return &ResolutionError{Source: source, Msg: fmt.Sprintf("Failed to fetch gist %s - %v", source.ID, err), Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return unrecognizedFiddle(source, fmt.Errorf("gist not found"))
	}
	if res.StatusCode != http.StatusOK {
		return &ResolutionError{Source: source, Msg: fmt.Sprintf("Failed to fetch gist %s - status %d", source.ID, res.StatusCode)}
	}

	var gist struct {
		Files map[string]struct {
			Content string `json:"content"`
		} `json:"files"`
	}
	if err := json.NewDecoder(res.Body).Decode(&gist); err != nil {
		return &ResolutionError{Source: source, Msg: fmt.Sprintf("Failed to decode gist %s - %v", source.ID, err), Err: err}
	}

	files := make(map[string]string, len(gist.Files))
	for name, file := range gist.Files {
		files[name] = file.Content
	}
	if err := writeFiles(dir, files); err != nil {
		return &ResolutionError{Source: source, Msg: fmt.Sprintf("Invalid gist %s - %v", source.ID, err), Err: err}
	}
	return nil
}

// writeFiles writes files into dir, refusing names which would escape it
func writeFiles(dir string, files map[string]string) error {
	if len(files) == 0 {
		return errors.New("fiddle has no files")
	}
	for name, content := range files {
		if !filepath.IsLocal(name) {
			return fmt.Errorf("file name %q is not a local path", name)
		}
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func readSnapshot(source FiddleSource, dir string) (*Fiddle, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		return nil, &ResolutionError{Source: source, Msg: fmt.Sprintf("Failed to read fiddle %s - %v", source, err), Err: err}
	}

	return &Fiddle{
		Source: source,
		Dir:    dir,
		Files:  files,
		Digest: filesDigest(files),
	}, nil
}

func filesDigest(files map[string]string) digest.Digest {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(0)
		b.WriteString(files[name])
		b.WriteByte(0)
	}
	return digest.FromString(b.String())
}
