package prompt

import (
	"fmt"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/git"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/webhook"
)

// Vars returns the placeholder values for a review. When the diff is over
// the size threshold, the diff placeholder carries instructions for
// computing it instead of the diff itself.
func Vars(req *webhook.ReviewRequest, d *git.DiffResult) map[string]string {
	vars := map[string]string{
		VarRepository:        req.RepositoryName,
		VarTitle:             req.Title,
		VarDescription:       req.Description,
		VarAuthor:            req.Author,
		VarSourceBranch:      req.SourceBranch,
		VarDestinationBranch: req.DestinationBranch,
		VarPullRequestURL:    req.PullRequestURL,
	}
	if d == nil {
		return vars
	}

	vars[VarMergeBase] = d.MergeBase
	vars[VarDiffStats] = d.Stats.String()
	switch {
	case d.SizeTooLarge:
		vars[VarDiff] = largeDiffInstructions(d)
	case d.Text == "":
		vars[VarDiff] = "(no changes)"
	default:
		vars[VarDiff] = "```diff\n" + d.Text + "```"
	}
	if d.Degraded {
		vars[VarDiff] = "Note: " + req.SourceBranch + " shares no history with " + req.DestinationBranch +
			"; the diff is taken against the tip of " + req.DestinationBranch + ".\n\n" + vars[VarDiff]
	}
	return vars
}

func largeDiffInstructions(d *git.DiffResult) string {
	return fmt.Sprintf(`The diff is too large to include here (%d bytes, %s).
Compute it yourself in the working copy:

    git diff %s %s

Review it file by file with:

    git diff --stat %s %s
    git diff %s %s -- <path>`,
		d.SizeBytes, d.Stats, d.MergeBase, d.Head, d.MergeBase, d.Head, d.MergeBase, d.Head)
}

// Build renders the template for the request's repository.
func Build(set *Set, req *webhook.ReviewRequest, d *git.DiffResult) (string, error) {
	if set == nil {
		set = DefaultSet()
	}
	t := set.For(req.RepositoryName)
	if t == nil {
		return "", &RenderError{Template: req.RepositoryName, Err: fmt.Errorf("no template")}
	}
	return t.Render(Vars(req, d)), nil
}
