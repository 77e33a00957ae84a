package dictation

import (
	"time"

	"github.com/MrWong99/voxscribe/internal/transcript"
	"github.com/MrWong99/voxscribe/pkg/modelstore"
)

// State is the orchestrator's position in the dictation cycle.
type State string

const (
	StateIdle         State = "idle"
	StateCapturing    State = "capturing"
	StateTranscribing State = "transcribing"
	StateCorrecting   State = "correcting"
	StateRefining     State = "refining"
	StateDelivering   State = "delivering"
	StateCanceling    State = "canceling"

	// StateFailed is entered when a stage aborts the session. The
	// orchestrator always proceeds to [StateIdle] right after.
	StateFailed State = "failed"
)

// Active reports whether s belongs to a live session.
func (s State) Active() bool { return s != StateIdle }

// Stage names the pipeline step a failure happened in.
type Stage string

const (
	StageCapture    Stage = "capture"
	StagePrepare    Stage = "prepare"
	StageTranscribe Stage = "transcribe"
	StageCorrect    Stage = "correct"
	StageRefine     Stage = "refine"
	StageDeliver    Stage = "deliver"
)

// Trigger carries what the external dispatcher knows when dictation starts.
type Trigger struct {
	// Source identifies the dispatcher, e.g. "hotkey" or "api".
	Source string `json:"source,omitempty"`

	// Selection is text the user had selected. It is handed to the refine
	// stage as context.
	Selection string `json:"selection,omitempty"`
}

// Result is what a finished dictation hands to the [Sink].
type Result struct {
	SessionID string    `json:"session_id"`
	Trigger   Trigger   `json:"trigger"`
	ModelID   string    `json:"model_id"`
	Language  string    `json:"language,omitempty"`
	StartedAt time.Time `json:"started_at"`

	// Raw is the engine output.
	Raw string `json:"raw"`

	// Corrected is Raw after dictionary and phonetic correction.
	Corrected   string                  `json:"corrected"`
	Corrections []transcript.Correction `json:"corrections,omitempty"`

	// Refined is the AI-refined text. Empty when refinement was disabled or
	// failed.
	Refined  string `json:"refined,omitempty"`
	Provider string `json:"provider,omitempty"`

	// RefineErr is set when refinement was attempted and failed. Text then
	// holds the corrected transcript.
	RefineErr error `json:"-"`

	// Text is the final text: Refined when present, Corrected otherwise.
	Text string `json:"text"`

	AudioDuration time.Duration `json:"audio_duration"`
	Duration      time.Duration `json:"duration"`
}

// EventKind discriminates [Event] values.
type EventKind string

const (
	EventState       EventKind = "state"
	EventLevel       EventKind = "level"
	EventModel       EventKind = "model"
	EventRefineChunk EventKind = "refine_chunk"
	EventDelivered   EventKind = "delivered"
	EventFailed      EventKind = "failed"
	EventCanceled    EventKind = "canceled"
)

// Event is published on the orchestrator's [Events] bus. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`

	// EventState
	State State `json:"state,omitempty"`

	// EventLevel: RMS input level in [0, 1].
	Level float64 `json:"level,omitempty"`

	// EventModel
	ModelID    string            `json:"model_id,omitempty"`
	ModelState *modelstore.State `json:"model_state,omitempty"`

	// EventRefineChunk
	Chunk string `json:"chunk,omitempty"`

	// EventDelivered
	Result *Result `json:"result,omitempty"`

	// EventFailed, and EventDelivered when refinement failed.
	Stage  Stage  `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Status is a point-in-time snapshot for UI collaborators.
type Status struct {
	State     State  `json:"state"`
	SessionID string `json:"session_id,omitempty"`

	ActiveModel string           `json:"active_model"`
	ModelState  modelstore.State `json:"model_state"`

	IsRunning          bool `json:"is_running"`
	IsDownloadingModel bool `json:"is_downloading_model"`
	IsLoadingModel     bool `json:"is_loading_model"`

	// DownloadProgress is nil when nothing is downloading.
	DownloadProgress  *float64 `json:"download_progress,omitempty"`
	IsReady           bool     `json:"is_ready"`
	ModelsExistOnDisk bool     `json:"models_exist_on_disk"`
}
