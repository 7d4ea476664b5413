package webhook

import "github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/config"

// Bitbucket pull request event keys
const (
	EventPRCreated = "pullrequest:created"
	EventPRUpdated = "pullrequest:updated"
)

// EventAccepted applies the configured filter mode to an event key.
// Creation events always pass; updates pass only in config.EventFilterAll.
func EventAccepted(mode, eventKey string) bool {
	switch eventKey {
	case EventPRCreated:
		return true
	case EventPRUpdated:
		return mode == config.EventFilterAll
	default:
		return false
	}
}
