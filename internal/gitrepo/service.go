// Package gitrepo archives cloud revisions in one git repository per document. Each revision is
// a commit of content.json tagged with the revision id, which gives line diffs between any two
// revisions of a document.
package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"matheditor/internal/document"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "content.json"

// Content is the file committed for every revision.
type Content struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// CommitInfo describes one archived revision.
type CommitInfo struct {
	RevisionID string    `json:"revisionId"`
	Hash       string    `json:"hash"`
	Author     string    `json:"author"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Diff is the unified patch between two archived revisions.
type Diff struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Patch   string `json:"patch"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// ArchiveRevision commits the revision's content and tags the commit with the revision id.
// Archiving an already archived revision returns the existing commit.
func (s *Service) ArchiveRevision(documentID string, revision document.Revision, name, author string) (CommitInfo, error) {
	if revision.DocumentID != "" && revision.DocumentID != documentID {
		return CommitInfo{}, fmt.Errorf("archive revision %s: %w", revision.ID, document.ErrForeignRevision)
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return CommitInfo{}, err
	}
	if existing, err := commitForRevision(repo, revision.ID); err == nil {
		return toCommitInfo(revision.ID, existing), nil
	} else if !errors.Is(err, document.ErrNotFound) {
		return CommitInfo{}, err
	}

	when := revision.CreatedAt
	if when.IsZero() {
		when = time.Now().UTC()
	}
	hash, err := commit(repo, Content{Name: name, Data: revision.Data}, author, "revision "+revision.ID, when)
	if err != nil {
		return CommitInfo{}, err
	}
	if _, err := repo.CreateTag(revision.ID, hash, nil); err != nil {
		return CommitInfo{}, fmt.Errorf("tag revision %s: %w", revision.ID, err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("load commit: %w", err)
	}
	return toCommitInfo(revision.ID, commitObj), nil
}

// Content returns what was archived for a revision.
func (s *Service) Content(documentID, revisionID string) (Content, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := commitForRevision(repo, revisionID)
	if err != nil {
		return Content{}, err
	}
	return readContentFromCommit(commitObj)
}

// Diff returns the unified patch turning fromRevisionID's content into toRevisionID's.
func (s *Service) Diff(documentID, fromRevisionID, toRevisionID string) (Diff, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Diff{}, err
	}
	from, err := commitForRevision(repo, fromRevisionID)
	if err != nil {
		return Diff{}, err
	}
	to, err := commitForRevision(repo, toRevisionID)
	if err != nil {
		return Diff{}, err
	}
	patch, err := from.Patch(to)
	if err != nil {
		return Diff{}, fmt.Errorf("diff revisions: %w", err)
	}
	result := Diff{From: fromRevisionID, To: toRevisionID, Patch: patch.String()}
	for _, stat := range patch.Stats() {
		result.Added += stat.Addition
		result.Removed += stat.Deletion
	}
	return result, nil
}

// History lists archived revisions newest first. A limit of zero or less means all.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if errors.Is(err, document.ErrNotFound) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, err
	}

	revisionByHash := map[plumbing.Hash]string{}
	tags, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	if err := tags.ForEach(func(ref *plumbing.Reference) error {
		revisionByHash[ref.Hash()] = ref.Name().Short()
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read tags: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	history := make([]CommitInfo, 0)
	for {
		commitObj, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate log: %w", err)
		}
		history = append(history, toCommitInfo(revisionByHash[commitObj.Hash], commitObj))
		if limit > 0 && len(history) >= limit {
			break
		}
	}
	return history, nil
}

// Remove drops a document's archive. Missing archives are not an error.
func (s *Service) Remove(documentID string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(documentID)); err != nil {
		return fmt.Errorf("remove archive: %w", err)
	}
	return nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("archive for %s: %w", documentID, document.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	repo, err := s.open(documentID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, document.ErrNotFound) {
		return nil, err
	}
	path := s.repoPath(documentID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func commit(repo *git.Repository, content Content, author, message string, when time.Time) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := marshalContent(content)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), payload, 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	if author == "" {
		author = "matheditor"
	}
	// Unchanged content still gets its own commit so every revision has a tag.
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.matheditor.local", sanitizeEmail(author)),
			When:  when,
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

// marshalContent pretty-prints the editor tree so diffs are per node rather than one long line.
func marshalContent(content Content) ([]byte, error) {
	if len(content.Data) == 0 {
		content.Data = json.RawMessage("null")
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return append(payload, '\n'), nil
}

func commitForRevision(repo *git.Repository, revisionID string) (*object.Commit, error) {
	ref, err := repo.Tag(revisionID)
	if errors.Is(err, git.ErrTagNotFound) {
		return nil, fmt.Errorf("revision %s: %w", revisionID, document.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve revision %s: %w", revisionID, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit for %s: %w", revisionID, err)
	}
	return commitObj, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, content.Data); err == nil {
		content.Data = compact.Bytes()
	}
	return content, nil
}

func toCommitInfo(revisionID string, commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		RevisionID: revisionID,
		Hash:       commitObj.Hash.String()[:7],
		Author:     commitObj.Author.Name,
		CreatedAt:  commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
