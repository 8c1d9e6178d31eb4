// Package gitrepo inspects and manipulates the managed UN1CA checkout via
// git subprocesses. Ownership checks are always relaxed because the
// checkout usually belongs to a different uid than the service.
package gitrepo

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/unica-wb/backend/internal/config"
)

// CommitDetails describes HEAD for the current-commit UI card.
type CommitDetails struct {
	Branch         string `json:"branch"`
	ShortHash      string `json:"short_hash"`
	FullHash       string `json:"full_hash"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	AuthorName     string `json:"author_name"`
	AuthorEmail    string `json:"author_email"`
	CommitterName  string `json:"committer_name"`
	CommitterEmail string `json:"committer_email"`
}

// SyncStatus compares HEAD with its origin counterpart.
type SyncStatus struct {
	State     string `json:"state"`
	AheadBy   int    `json:"ahead_by"`
	BehindBy  int    `json:"behind_by"`
	RemoteRef string `json:"remote_ref"`
}

// Snapshot bundles commit details with the sync status.
type Snapshot struct {
	Commit   CommitDetails `json:"commit"`
	RepoSync SyncStatus    `json:"repo_sync"`
}

// Repo operates on the checkout under the workspace root.
type Repo struct {
	cfg config.WorkspaceConfig
}

// New creates a repo inspector.
func New(cfg config.WorkspaceConfig) *Repo {
	return &Repo{cfg: cfg}
}

// Root returns where the checkout lives (or would live). A nested UN1CA
// directory from a volume clone takes precedence over the bare root.
func (r *Repo) Root() string {
	base := r.cfg.Root
	nested := filepath.Join(base, "UN1CA")
	if isDir(filepath.Join(base, ".git")) || isDir(filepath.Join(base, "target")) {
		return base
	}
	if isDir(filepath.Join(nested, ".git")) || isDir(filepath.Join(nested, "target")) {
		return nested
	}
	return base
}

// Exists reports whether a git checkout is present.
func (r *Repo) Exists() bool {
	return isDir(filepath.Join(r.Root(), ".git"))
}

func (r *Repo) git(args ...string) (string, error) {
	full := append([]string{"-c", "safe.directory=*", "-C", r.Root()}, args...)
	out, err := exec.Command("git", full...).Output()
	return strings.TrimSpace(string(out)), err
}

// CommitDetails resolves HEAD's metadata, degrading to the configured
// fallback commit when there is no checkout.
func (r *Repo) CommitDetails() CommitDetails {
	fallback := CommitDetails{ShortHash: r.fallbackCommit()}
	if !r.Exists() {
		return fallback
	}

	branch, _ := r.git("rev-parse", "--abbrev-ref", "HEAD")

	raw, err := r.git("log", "-1", "--pretty=%H%n%h%n%s%n%b%n%an%n%ae%n%cn%n%ce")
	if err != nil {
		fallback.Branch = branch
		return fallback
	}
	parts := strings.Split(raw, "\n")
	if len(parts) < 8 {
		fallback.Branch = branch
		return fallback
	}
	n := len(parts)
	return CommitDetails{
		Branch:         branch,
		FullHash:       strings.TrimSpace(parts[0]),
		ShortHash:      strings.TrimSpace(parts[1]),
		Subject:        strings.TrimSpace(parts[2]),
		Body:           strings.TrimSpace(strings.Join(parts[3:n-4], "\n")),
		AuthorName:     strings.TrimSpace(parts[n-4]),
		AuthorEmail:    strings.TrimSpace(parts[n-3]),
		CommitterName:  strings.TrimSpace(parts[n-2]),
		CommitterEmail: strings.TrimSpace(parts[n-1]),
	}
}

// SyncStatus computes ahead/behind counts against origin/<branch>.
func (r *Repo) SyncStatus(branch string) SyncStatus {
	unknown := SyncStatus{State: "unknown"}
	if branch == "" || branch == "HEAD" {
		return unknown
	}
	remoteRef := "origin/" + branch
	unknown.RemoteRef = remoteRef

	if _, err := r.git("rev-parse", "--verify", remoteRef); err != nil {
		return unknown
	}
	counts, err := r.git("rev-list", "--left-right", "--count", "HEAD..."+remoteRef)
	if err != nil {
		return unknown
	}
	fields := strings.Fields(counts)
	if len(fields) < 2 {
		return unknown
	}
	ahead, _ := strconv.Atoi(fields[0])
	behind, _ := strconv.Atoi(fields[1])

	state := "up_to_date"
	switch {
	case ahead == 0 && behind > 0:
		state = "behind"
	case ahead > 0 && behind == 0:
		state = "ahead"
	case ahead > 0 && behind > 0:
		state = "diverged"
	}
	return SyncStatus{State: state, AheadBy: ahead, BehindBy: behind, RemoteRef: remoteRef}
}

// CurrentSnapshot bundles commit details and sync status for the caches.
func (r *Repo) CurrentSnapshot() Snapshot {
	if !r.Exists() {
		return Snapshot{
			Commit:   CommitDetails{ShortHash: r.fallbackCommit()},
			RepoSync: SyncStatus{State: "unknown"},
		}
	}
	commit := r.CommitDetails()
	return Snapshot{Commit: commit, RepoSync: r.SyncStatus(commit.Branch)}
}

func (r *Repo) fallbackCommit() string {
	if r.cfg.SourceCommit != "" {
		return r.cfg.SourceCommit
	}
	return "unknown"
}

var schemeRe = regexp.MustCompile(`^https?://`)

// SafeURL strips embedded credentials from an http(s) git URL for display.
func SafeURL(url string) string {
	if !strings.Contains(url, "@") {
		return url
	}
	if strings.HasPrefix(url, "https://") {
		return "https://" + strings.SplitN(url, "@", 2)[1]
	}
	if strings.HasPrefix(url, "http://") {
		return "http://" + strings.SplitN(url, "@", 2)[1]
	}
	return url
}

// URLWithAuth injects basic credentials into an http(s) git URL. The
// username defaults to oauth2, which GitLab-style tokens expect.
func URLWithAuth(url, username, token string) string {
	if !strings.HasPrefix(url, "http") || token == "" {
		return url
	}
	user := username
	if user == "" {
		user = "oauth2"
	}
	return schemeRe.ReplaceAllStringFunc(url, func(scheme string) string {
		return scheme + user + ":" + token + "@"
	})
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
