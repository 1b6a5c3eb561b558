package cmd

import "github.com/akitasoftware/pipedge/printer"

// filterDescriptor documents one built-in filter for --list-filters/
// --help-filters. Concrete protocol filters (compression, TLS, HTTP
// codecs) live outside this core — only the demonstration/test filters it
// ships with are listed.
type filterDescriptor struct {
	name string
	help string
}

var registeredFilters = []filterDescriptor{
	{"echo", "re-emits every event unchanged"},
	{"byte-counter", "tallies Data bytes seen while passing events through"},
	{"tee", "duplicates every event to a second downstream target"},
	{"message-counter", "counts matched MessageStart/MessageEnd pairs"},
}

func listFilters() {
	for _, f := range registeredFilters {
		printer.Stdout.RawOutput(f.name)
	}
}

func helpFilters() {
	for _, f := range registeredFilters {
		printer.Stdout.RawOutput(f.name + " - " + f.help)
	}
}
