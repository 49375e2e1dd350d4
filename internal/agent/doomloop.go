package agent

// doomLoopThreshold is the number of consecutive identical tool calls that
// trips the doom-loop breaker (spec §4.1: 5 in a row, replacing the
// teacher's original 3-in-a-row/no-exemption check).
const doomLoopThreshold = 5

// doomLoopReadOnlyAllowlist are tools exempt from doom-loop detection: a
// read-only tool called repeatedly (re-reading a file to double check, a
// grep run with slightly different framing) is normal agent behavior, not
// a stuck loop, per spec §4.1's exemption list.
var doomLoopReadOnlyAllowlist = map[string]bool{
	"read":       true,
	"glob":       true,
	"grep":       true,
	"ls":         true,
	"codesearch": true,
	"todo_read":  true,
}

// doomLoopDetector tracks a session's recent tool calls to detect the agent
// repeating the exact same call over and over without making progress.
type doomLoopDetector struct {
	lastSignature string
	streak        int
}

func newDoomLoopDetector() *doomLoopDetector {
	return &doomLoopDetector{}
}

// Observe records one tool call and reports whether the streak has reached
// the doom-loop threshold. signature should uniquely identify the call
// (tool name + serialized input).
func (d *doomLoopDetector) Observe(toolName, signature string) bool {
	if doomLoopReadOnlyAllowlist[toolName] {
		d.lastSignature = ""
		d.streak = 0
		return false
	}
	if signature == d.lastSignature {
		d.streak++
	} else {
		d.lastSignature = signature
		d.streak = 1
	}
	return d.streak >= doomLoopThreshold
}

// Reset clears the streak, called whenever the user submits new input.
func (d *doomLoopDetector) Reset() {
	d.lastSignature = ""
	d.streak = 0
}
