package call

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/phonelark/switchboard/pkg/provider/realtime"
)

// ToolTransferCall is the name of the function the model invokes to hand a
// caller over to a human.
const ToolTransferCall = "transfer_call"

// defaultMatchThreshold is the minimum Jaro-Winkler score a directory label
// must reach to be accepted as a match for a spoken destination.
const defaultMatchThreshold = 0.70

// extensionPattern matches dialable numbers: an optional leading + followed
// by three or more digits. Shorter strings are treated as spoken labels, not
// extensions.
var extensionPattern = regexp.MustCompile(`^\+?[0-9]{3,}$`)

// Destination is one entry in the transfer directory.
type Destination struct {
	// Label is the human name callers ask for, e.g. "billing" or
	// "Dr. Meier".
	Label string

	// Number is the dialable E.164 number or internal extension.
	Number string
}

// Directory resolves transfer requests to dialable numbers. The model hands
// back whatever the caller said; Resolve turns that into a concrete number
// using, in order: a well-formed extension argument, a fuzzy match of the
// spoken label against the directory, and finally the fallback operator.
//
// A Directory is read-only after construction and safe for concurrent use.
type Directory struct {
	entries   []Destination
	fallback  string
	threshold float64
}

// NewDirectory builds a Directory from entries with fallback as the operator
// number used when no entry matches.
func NewDirectory(entries []Destination, fallback string) *Directory {
	return &Directory{
		entries:   entries,
		fallback:  fallback,
		threshold: defaultMatchThreshold,
	}
}

// Fallback returns the operator number used when no directory entry matches.
func (d *Directory) Fallback() string { return d.fallback }

// Resolve picks the transfer destination for the given tool-call arguments.
// It understands two argument keys: "extension" (used verbatim when it is a
// well-formed number) and "destination" (a spoken label matched against the
// directory). Anything else falls through to the operator.
func (d *Directory) Resolve(args map[string]string) string {
	if ext := strings.TrimSpace(args["extension"]); extensionPattern.MatchString(ext) {
		return ext
	}
	if label := strings.TrimSpace(args["destination"]); label != "" {
		if dest, ok := d.match(label); ok {
			return dest.Number
		}
	}
	return d.fallback
}

// match returns the directory entry whose label is most similar to the
// spoken label, provided the similarity clears the threshold. Comparison is
// case-insensitive Jaro-Winkler on the full label with a best-pairwise-token
// fallback for multi-word labels ("doctor meier" vs "Dr. Meier").
func (d *Directory) match(label string) (Destination, bool) {
	spoken := strings.ToLower(label)
	spokenTokens := strings.Fields(spoken)

	var best Destination
	bestScore := 0.0
	for _, entry := range d.entries {
		entryLower := strings.ToLower(entry.Label)
		score := matchr.JaroWinkler(spoken, entryLower, false)
		for _, st := range spokenTokens {
			for _, et := range strings.Fields(entryLower) {
				if s := matchr.JaroWinkler(st, et, false); s > score {
					score = s
				}
			}
		}
		if score > bestScore {
			best = entry
			bestScore = score
		}
	}

	if bestScore >= d.threshold {
		return best, true
	}
	return Destination{}, false
}

// TransferTool returns the function declaration offered to the model for
// handing a call over. The description enumerates the directory labels so
// the model names destinations the directory will recognise.
func (d *Directory) TransferTool() realtime.ToolDefinition {
	labels := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		labels = append(labels, e.Label)
	}
	desc := "Transfer the caller to a human. Known destinations: " +
		strings.Join(labels, ", ") + ". Use when the caller asks for a " +
		"person or department, or when you cannot help."
	return realtime.ToolDefinition{
		Name:        ToolTransferCall,
		Description: desc,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"destination": map[string]any{
					"type":        "string",
					"description": "Name of the person or department the caller asked for.",
				},
				"extension": map[string]any{
					"type":        "string",
					"description": "Exact phone number or extension, if the caller gave one.",
				},
			},
		},
	}
}
