package stateloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Source reads desired-state CUE content at a revision
type Source interface {
	// Read returns the CUE content at revision and the resolved revision.
	// An empty revision reads the latest content.
	Read(ctx context.Context, revision string) (content []byte, resolved string, err error)

	// Type names the source kind for logs
	Type() string
}

// ErrRevisionsUnsupported is returned by sources that cannot read past revisions
var ErrRevisionsUnsupported = errors.New("source does not support revisions")

// FileSource reads CUE from a file or a directory of .cue files
type FileSource struct {
	Path string
}

// NewFileSource creates a file source
func NewFileSource(p string) *FileSource {
	return &FileSource{Path: p}
}

// Type returns the source type
func (s *FileSource) Type() string {
	return "file"
}

// Read reads the current content. Files have no revisions.
func (s *FileSource) Read(_ context.Context, revision string) ([]byte, string, error) {
	if revision != "" {
		return nil, "", fmt.Errorf("cannot read %s at %q: %w", s.Path, revision, ErrRevisionsUnsupported)
	}

	info, err := os.Stat(s.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to stat %s: %w", s.Path, err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", s.Path, err)
		}
		return data, "", nil
	}

	content, err := readCUEFiles(s.Path)
	if err != nil {
		return nil, "", err
	}
	return content, "", nil
}

// readCUEFiles reads all .cue files from a directory in lexical order
func readCUEFiles(dir string) ([]byte, error) {
	var files [][]byte

	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Skip hidden directories (like .git)
		if d.IsDir() && p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		if !d.IsDir() && strings.HasSuffix(d.Name(), ".cue") {
			data, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", p, err)
			}
			files = append(files, data)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no .cue files found in %s", dir)
	}

	return joinCUEFiles(files), nil
}

// joinCUEFiles concatenates files into one compilable source. Package clauses
// after the first file are dropped; imports are not merged, so only the first
// file may import packages.
func joinCUEFiles(files [][]byte) []byte {
	var content []byte
	for i, data := range files {
		if i > 0 {
			content = append(content, '\n')
			data = stripPackageClause(data)
		}
		content = append(content, data...)
	}
	return content
}

func stripPackageClause(data []byte) []byte {
	lines := strings.Split(string(data), "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "package ") {
			continue
		}
		out = append(out, line)
	}
	return []byte(strings.Join(out, "\n"))
}

// GitRef contains parsed Git reference information
type GitRef struct {
	URL  string
	Ref  string // branch, tag, or commit SHA read when no revision is requested
	Path string // file or directory within the repository
}

// ParseGitRef parses a Git reference string
// Format: https://github.com/org/repo.git?ref=main&path=state/prod.cue
func ParseGitRef(ref string) (*GitRef, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("invalid URL %q: missing scheme", ref)
	}

	query := u.Query()
	gitRefValue := query.Get("ref")
	p := query.Get("path")

	u.RawQuery = ""
	cleanURL := u.String()

	// If no .git suffix and not a file:// URL, add it
	if !strings.HasSuffix(cleanURL, ".git") && u.Scheme != "file" {
		cleanURL += ".git"
	}

	return &GitRef{
		URL:  cleanURL,
		Ref:  gitRefValue,
		Path: p,
	}, nil
}

// GitSource reads CUE from commits of a Git repository
type GitSource struct {
	mu         sync.Mutex
	repo       *git.Repository
	path       string
	defaultRef string
	remote     bool
}

// NewGitSource creates a source over an opened repository. path selects a
// file or a directory of .cue files; defaultRef is read when no revision is
// requested and defaults to HEAD.
func NewGitSource(repo *git.Repository, p, defaultRef string) *GitSource {
	if defaultRef == "" {
		defaultRef = "HEAD"
	}
	return &GitSource{
		repo:       repo,
		path:       strings.Trim(p, "/"),
		defaultRef: defaultRef,
	}
}

// CloneGitSource clones a repository into memory and returns a source over it.
// ref uses the ParseGitRef format.
func CloneGitSource(ctx context.Context, ref string) (*GitSource, error) {
	gitRef, err := ParseGitRef(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid Git reference: %w", err)
	}

	log.FromContext(ctx).V(1).Info("Cloning desired state repository", "url", gitRef.URL)

	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{
		URL:      gitRef.URL,
		Progress: io.Discard,
		Tags:     git.AllTags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone repository: %w", err)
	}

	src := NewGitSource(repo, gitRef.Path, gitRef.Ref)
	src.remote = true
	return src, nil
}

// Type returns the source type
func (s *GitSource) Type() string {
	return "git"
}

// Refresh fetches new commits from the origin remote of a cloned source
func (s *GitSource) Refresh(ctx context.Context) error {
	if !s.remote {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.repo.FetchContext(ctx, &git.FetchOptions{
		Progress: io.Discard,
		Tags:     git.AllTags,
		Force:    true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch repository: %w", err)
	}
	return nil
}

// Read returns the content at revision and the resolved commit SHA
func (s *GitSource) Read(ctx context.Context, revision string) ([]byte, string, error) {
	if revision == "" {
		revision = s.defaultRef
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := s.resolve(revision)
	if err != nil {
		return nil, "", err
	}

	commit, err := s.repo.CommitObject(hash)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read commit %s: %w", hash, err)
	}

	log.FromContext(ctx).V(2).Info("Reading desired state", "revision", revision, "commit", hash.String(), "path", s.path)

	content, err := readCommitCUE(commit, s.path)
	if err != nil {
		return nil, "", fmt.Errorf("commit %s: %w", hash.String()[:7], err)
	}
	return content, hash.String(), nil
}

// resolve resolves a revision, also trying the origin remote for branch names
func (s *GitSource) resolve(revision string) (plumbing.Hash, error) {
	hash, err := s.repo.ResolveRevision(plumbing.Revision(revision))
	if err == nil {
		return *hash, nil
	}
	if s.remote && !strings.HasPrefix(revision, "origin/") {
		if remoteHash, rerr := s.repo.ResolveRevision(plumbing.Revision("origin/" + revision)); rerr == nil {
			return *remoteHash, nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("failed to resolve revision %s: %w", revision, err)
}

// readCommitCUE reads a file, or every .cue file below a directory, from a commit tree
func readCommitCUE(commit *object.Commit, p string) ([]byte, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree: %w", err)
	}

	if p != "" {
		if f, err := tree.File(p); err == nil {
			contents, err := f.Contents()
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", p, err)
			}
			return []byte(contents), nil
		}
	}

	files := make(map[string]string)
	err = tree.Files().ForEach(func(f *object.File) error {
		if !strings.HasSuffix(f.Name, ".cue") {
			return nil
		}
		if p != "" && !strings.HasPrefix(f.Name, p+"/") {
			return nil
		}
		if hiddenPath(f.Name) {
			return nil
		}
		contents, err := f.Contents()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		files[f.Name] = contents
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no .cue files found at %q", p)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	ordered := make([][]byte, 0, len(names))
	for _, name := range names {
		ordered = append(ordered, []byte(files[name]))
	}
	return joinCUEFiles(ordered), nil
}

func hiddenPath(p string) bool {
	for _, part := range strings.Split(path.Dir(p), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}
