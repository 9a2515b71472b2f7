package build

// Release identifies which build variant is running: "standard", "dev", or
// "testing". It is set at link time via -ldflags, the same mechanism the
// teacher codebase uses, and defaults to "standard" for a plain `go build`.
var Release = "standard"

// DEBUG gates the panic behavior of Critical and Severe. It is true for dev
// and testing builds.
var DEBUG = Release == "dev" || Release == "testing"

// Var represents a value whose concrete choice depends on which Release is
// running. None of the fields may be nil, and all fields must share the same
// underlying type. Suited to settings such as chunk size or fsync
// aggressiveness where the testing build wants faster, weaker values.
type Var struct {
	Standard interface{}
	Dev      interface{}
	Testing  interface{}
}

// Select returns the field of v that corresponds to the current Release.
func Select(v Var) interface{} {
	if v.Standard == nil || v.Dev == nil || v.Testing == nil {
		panic("nil value in build variable")
	}
	switch Release {
	case "standard":
		return v.Standard
	case "dev":
		return v.Dev
	case "testing":
		return v.Testing
	default:
		panic("unrecognized Release: " + Release)
	}
}
