package artifact

// State is a lifecycle state of an ingested artifact.
type State string

// Lifecycle states.
const (
	StateUploading  State = "uploading"
	StateValidating State = "validating"
	StateRejected   State = "rejected"
	StateStaged     State = "staged"
	StatePublished  State = "published"
	StateSuperseded State = "superseded"
)

// IsTerminal returns true for states with no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateRejected || s == StateSuperseded
}

// IsVisible returns true for states the retrieval path may serve.
func (s State) IsVisible() bool {
	return s == StatePublished || s == StateSuperseded
}

// String returns the state name.
func (s State) String() string {
	return string(s)
}
