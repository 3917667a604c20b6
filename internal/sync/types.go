package sync

// Reason identifies why a sync pass was triggered. Carried through so
// callers (tests, logging) can tell which trigger fired without
// re-deriving it.
type Reason string

const (
	ReasonForce        Reason = "force"
	ReasonWatch        Reason = "watch"
	ReasonSessionDelta Reason = "session-delta"
	ReasonSessionStart Reason = "session-start"
	ReasonInterval     Reason = "interval"
	ReasonSearch       Reason = "search"
	ReasonManual       Reason = "manual"
)

// Options configures one call to Sync.
type Options struct {
	Reason   Reason
	Force    bool
	Progress ProgressFunc
}

// Progress reports a sync pass's completion state.
type Progress struct {
	Completed int
	Total     int
	Label     string
}

// ProgressFunc receives Progress updates during a sync pass.
type ProgressFunc func(Progress)

// TranscriptRenderer extracts a plain-text rendering of a session
// transcript file plus a lineMap translating rendered-text line numbers
// back to the original transcript's message lines. The transcript format
// itself (and the writer that produces it) is a host-application concern;
// this module only consumes "a transcript file grew" notifications and a
// rendering of their content.
type TranscriptRenderer interface {
	Render(path string) (rendered string, lineMap []int, err error)
}

// fileEntry mirrors store.File plus the absolute path used to read
// content, computed fresh for each pass.
type fileEntry struct {
	path    string // path as enumerated (the enumerators set absPath to the same value), stored as files.path
	absPath string
	hash    string
	size    int64
	mtimeMs int64
}
