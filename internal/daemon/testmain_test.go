package daemon

import (
	"os"
	"testing"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/testenv"
)

// TestMain isolates the daemon test package from the production
// ~/.pullwarden directory so error logs written by the tests never land in
// the production errors.log.
func TestMain(m *testing.M) {
	os.Exit(testenv.RunIsolatedMain(m))
}
