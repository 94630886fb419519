package runner

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// denyList holds substrings that veto a command unconditionally, whether
// it comes from the user, the planner, or a reasoner proposal. Matching
// is case-insensitive over the NFKC-normalized text so fullwidth or
// otherwise obfuscated variants cannot slip past.
var denyList = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
	"poweroff",
	"format c:",
	"diskpart",
	"bcdedit",
	"reg delete",
	`del /s /q c:\`,
	`rd /s /q c:\`,
	":(){ :|:& };:",
}

// LooksDangerous reports whether cmd matches the deny-list. A match is
// terminal: no component may dispatch or retry a matching command.
func LooksDangerous(cmd string) bool {
	c := strings.ToLower(norm.NFKC.String(cmd))
	for _, d := range denyList {
		if strings.Contains(c, d) {
			return true
		}
	}
	return false
}
