package staging

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
	"github.com/n1ckerr0r/merge-queue-service/internal/github"
	"github.com/n1ckerr0r/merge-queue-service/internal/message"
)

// PartOf is the cross-reference trailer linking a staged commit back to its
// originating PR.
const PartOf = "Part-Of"

// MakeMessage derives the canonical merge message from live PR state:
// title, blank line, description.
func MakeMessage(info *github.PRInfo) string {
	title := strings.TrimSpace(info.Title)
	body := strings.TrimSpace(info.Body)
	if body == "" {
		return title
	}
	return title + "\n\n" + body
}

// isMentioned reports whether the PR is referenced in text, either by bare
// "#N" / "repo#N" or, with fullReference, only by the full "repo#N" form.
func isMentioned(text string, pr *domain.PullRequest, fullReference bool) bool {
	var pattern string
	if fullReference {
		pattern = `\b` + regexp.QuoteMeta(pr.DisplayName()) + `\b`
	} else {
		pattern = `( |\b` + regexp.QuoteMeta(pr.Repository) + `)#` + fmt.Sprint(pr.Number) + `\b`
	}
	return regexp.MustCompile(pattern).MatchString(text)
}

// buildMergeMessage constructs the message a strategy records for a PR:
// the source message (the PR description when fromPR, a commit message
// otherwise) plus a closing reference, Related trailers for companion PRs
// and the reviewer's sign-off.
func buildMergeMessage(pr *domain.PullRequest, source string, fromPR bool, related []*domain.PullRequest) *message.Message {
	var m *message.Message
	if fromPR {
		m = message.FromPR(source)
	} else {
		m = message.Parse(source)
	}

	if !isMentioned(source, pr, false) {
		m.Body = m.Body + "\n\ncloses " + pr.DisplayName()
	}
	for _, r := range related {
		if !isMentioned(source, r, true) {
			m.Headers.Add("Related", r.DisplayName())
		}
	}
	if pr.ReviewerLogin != "" {
		m.Headers.Add("Signed-off-by", signOff(pr))
	}
	return m
}

func signOff(pr *domain.PullRequest) string {
	name := pr.ReviewerName
	if name == "" {
		name = pr.ReviewerLogin
	}
	return fmt.Sprintf("%s <%s@users.noreply.github.com>", name, pr.ReviewerLogin)
}

// addSelfReferences tags every commit lacking a mention of the PR with a
// Part-Of trailer, so rebased copies stay traceable to their origin.
func addSelfReferences(pr *domain.PullRequest, commits []github.Commit) {
	for i := range commits {
		c := &commits[i]
		if isMentioned(c.Message, pr, false) {
			continue
		}
		m := message.Parse(c.Message)
		m.Headers.Remove(PartOf)
		m.Headers.Add(PartOf, pr.DisplayName())
		c.Message = m.String()
	}
}
