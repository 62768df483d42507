package ghanalysis

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

// Source produces a fresh analysis of a repository's trailing activity.
type Source interface {
	Fetch(ctx context.Context, repo string, periodHours int) (*domain.Analysis, error)
}

// CLISource fetches repository activity through the gh CLI, which
// carries the user's existing GitHub authentication.
type CLISource struct{}

type ghCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Author struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author *struct {
		Login string `json:"login"`
	} `json:"author"`
}

type ghPull struct {
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"createdAt"`
	MergedAt  *time.Time `json:"mergedAt"`
}

type ghIssueItem struct {
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"createdAt"`
	ClosedAt  *time.Time `json:"closedAt"`
}

// Fetch gathers commits, pull requests and issues for the trailing
// period and condenses them into an Analysis.
func (CLISource) Fetch(ctx context.Context, repo string, periodHours int) (*domain.Analysis, error) {
	since := time.Now().UTC().Add(-time.Duration(periodHours) * time.Hour)

	a := &domain.Analysis{Repo: repo, PeriodHours: periodHours}

	commits, err := fetchCommits(ctx, repo, since)
	if err != nil {
		return nil, err
	}
	contributors := make(map[string]bool)
	for _, c := range commits {
		a.CommitCount++
		name := c.Commit.Author.Name
		if c.Author != nil && c.Author.Login != "" {
			name = c.Author.Login
		}
		if name != "" {
			contributors[name] = true
		}
		if a.LastActivityAt == nil || c.Commit.Author.Date.After(*a.LastActivityAt) {
			d := c.Commit.Author.Date
			a.LastActivityAt = &d
		}
	}
	for name := range contributors {
		a.ActiveContributors = append(a.ActiveContributors, name)
	}
	sort.Strings(a.ActiveContributors)

	pulls, err := fetchPulls(ctx, repo)
	if err != nil {
		return nil, err
	}
	for _, p := range pulls {
		if !p.CreatedAt.Before(since) {
			a.PullRequestsOpened++
		}
		if p.MergedAt != nil && !p.MergedAt.Before(since) {
			a.PullRequestsMerged++
		}
	}

	issues, err := fetchIssues(ctx, repo)
	if err != nil {
		return nil, err
	}
	for _, is := range issues {
		if !is.CreatedAt.Before(since) {
			a.IssuesOpened++
		}
		if is.ClosedAt != nil && !is.ClosedAt.Before(since) {
			a.IssuesClosed++
		}
	}

	a.Summary = fmt.Sprintf("%d commits by %d contributors, %d PRs opened / %d merged, %d issues opened / %d closed in the last %dh",
		a.CommitCount, len(a.ActiveContributors),
		a.PullRequestsOpened, a.PullRequestsMerged,
		a.IssuesOpened, a.IssuesClosed, periodHours)

	return a, nil
}

func fetchCommits(ctx context.Context, repo string, since time.Time) ([]ghCommit, error) {
	// gh api repos/owner/repo/commits?since=...&per_page=100
	cmd := exec.CommandContext(ctx, "gh", "api",
		fmt.Sprintf("repos/%s/commits?since=%s&per_page=100", repo, since.Format(time.RFC3339)))

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh api commits: %w", err)
	}

	var commits []ghCommit
	if err := json.Unmarshal(output, &commits); err != nil {
		return nil, fmt.Errorf("parse gh commits: %w", err)
	}
	return commits, nil
}

func fetchPulls(ctx context.Context, repo string) ([]ghPull, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "list",
		"--repo", repo,
		"--state", "all",
		"--json", "state,createdAt,mergedAt",
		"--limit", "100")

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh pr list: %w", err)
	}

	var pulls []ghPull
	if err := json.Unmarshal(output, &pulls); err != nil {
		return nil, fmt.Errorf("parse gh pr output: %w", err)
	}
	return pulls, nil
}

func fetchIssues(ctx context.Context, repo string) ([]ghIssueItem, error) {
	cmd := exec.CommandContext(ctx, "gh", "issue", "list",
		"--repo", repo,
		"--state", "all",
		"--json", "state,createdAt,closedAt",
		"--limit", "100")

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh issue list: %w", err)
	}

	var issues []ghIssueItem
	if err := json.Unmarshal(output, &issues); err != nil {
		return nil, fmt.Errorf("parse gh issue output: %w", err)
	}
	return issues, nil
}
