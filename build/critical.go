package build

import (
	"fmt"
	"os"
	"runtime/debug"
)

// Critical should be called when an on-disk invariant has been violated:
// duplicate keys in a hashset build, a dentry whose hardlink target resolves
// to a different base type, an HMAC mismatch on chunk retrieve. These are
// never auto-healed. If the program does not panic, the call stack for the
// running goroutine is printed to help locate the corruption.
func Critical(v ...interface{}) {
	s := "Critical error: " + fmt.Sprintln(v...) + "This indicates on-disk corruption or a bug; see the error kinds table in the design notes.\n"
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}

// Severe will print a message to os.Stderr. If DEBUG has been set panic will
// be called as well. Severe should be called in situations which indicate
// significant problems for the user (such as disk failure or random number
// generation failure), but where crashing is not strictly required to preserve
// integrity.
func Severe(v ...interface{}) {
	s := "Severe error: " + fmt.Sprintln(v...)
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}
