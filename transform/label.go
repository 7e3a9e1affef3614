package transform

import (
	"strings"

	"github.com/glimte/procapi-go/contracts"
)

// Unknown is the label for results outside the label table
const Unknown = "unknown"

// DefaultLabels maps worker class ids to labels
var DefaultLabels = map[string]string{
	"0": "cat",
	"1": "dog",
}

// LabelTransform maps raw worker results to class labels
type LabelTransform struct {
	labels map[string]string
}

// NewLabelTransform copies labels; a nil or empty table uses DefaultLabels
func NewLabelTransform(labels map[string]string) *LabelTransform {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[strings.TrimSpace(k)] = v
	}
	return &LabelTransform{labels: copied}
}

// Transform never fails: unmapped results become Unknown
func (t *LabelTransform) Transform(raw string) (contracts.OutputData, error) {
	label, ok := t.labels[strings.TrimSpace(raw)]
	if !ok {
		label = Unknown
	}
	return contracts.OutputData{ResultClass: label}, nil
}

// Labels returns a copy of the label table
func (t *LabelTransform) Labels() map[string]string {
	out := make(map[string]string, len(t.labels))
	for k, v := range t.labels {
		out[k] = v
	}
	return out
}
