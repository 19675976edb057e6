// Package domain holds the entity types shared across pipeline stages:
// AdMarker, Episode, Podcast, and the rest of the persisted data model.
// Keeping these in one leaf package lets classifier, validator, rolldetect,
// verify, and orchestrator depend on the same types without import
// cycles.
package domain

import "time"

// DetectionStage records which pipeline stage proposed an AdMarker.
type DetectionStage string

const (
	StageFirstPass         DetectionStage = "first_pass"
	StageHeuristicPreroll  DetectionStage = "heuristic_preroll"
	StageHeuristicPostroll DetectionStage = "heuristic_postroll"
	StageVerification      DetectionStage = "verification"
)

// Decision is the validator's verdict on an AdMarker.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReview Decision = "REVIEW"
	DecisionReject Decision = "REJECT"
)

// Validation carries the validator's scoring output for a single AdMarker.
type Validation struct {
	Decision           Decision
	AdjustedConfidence float64
	OriginalConfidence float64
	Flags              []string
	Corrections        []string
}

// AdMarker is a detected advertisement span in original-audio seconds.
// Invariant: 0 <= Start < End <= episode duration, enforced by the
// validator's clamp stage.
type AdMarker struct {
	Start          float64
	End            float64
	Confidence     float64
	Reason         string
	Sponsor        string
	EndText        string
	DetectionStage DetectionStage
	Validation     *Validation

	// Pass records which detection pass produced this marker before
	// merge_and_deduplicate fuses results from two parallel reads: 1, 2, or
	// "merged".
	Pass string
}

// Duration is End - Start.
func (a AdMarker) Duration() float64 { return a.End - a.Start }

// EpisodeStatus is the lifecycle state of an Episode.
type EpisodeStatus string

const (
	StatusPending           EpisodeStatus = "pending"
	StatusProcessing        EpisodeStatus = "processing"
	StatusTranscribing      EpisodeStatus = "transcribing"
	StatusClassifying       EpisodeStatus = "classifying"
	StatusValidating        EpisodeStatus = "validating"
	StatusEditing           EpisodeStatus = "editing"
	StatusVerifying         EpisodeStatus = "verifying"
	StatusProcessed         EpisodeStatus = "processed"
	StatusFailed            EpisodeStatus = "failed"
	StatusPermanentlyFailed EpisodeStatus = "permanently_failed"
)

// Podcast is a subscribed RSS feed whose episodes flow through the pipeline.
// ETag and LastModified carry the conditional-fetch validators from the
// feed's last refresh.
type Podcast struct {
	Slug          string
	SourceURL     string
	Title         string
	Description   string
	ArtworkURL    string
	ArtworkCached bool
	ETag          string
	LastModified  string
	LastCheckedAt time.Time
	CreatedAt     time.Time
}

// Episode is one entry in a Podcast's feed.
type Episode struct {
	PodcastSlug      string
	EpisodeID        string
	OriginalURL      string
	Title            string
	Status           EpisodeStatus
	ProcessedFile    string
	ProcessedAt      time.Time
	OriginalDuration float64
	NewDuration      float64
	AdsRemoved       []AdMarker
	RetryCount       int
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EpisodeDetails holds the large per-episode artifacts: transcript text,
// VTT, chapters, ad markers, and the raw LLM prompts/responses from each
// pass. Created lazily at first artifact write; cleared on reprocess.
type EpisodeDetails struct {
	EpisodeFK          string
	TranscriptText     string
	TranscriptVTT      string
	ChaptersJSON       string
	AdMarkersJSON      string
	FirstPassPrompt    string
	FirstPassResponse  string
	SecondPassPrompt   string
	SecondPassResponse string
}

// CorrectionAction is a user's verdict on an ad span, recorded so future
// detections over the same audio region can be reconciled against it.
type CorrectionAction string

const (
	CorrectionConfirmed     CorrectionAction = "confirmed"
	CorrectionFalsePositive CorrectionAction = "false_positive"
	CorrectionAdjust        CorrectionAction = "adjust"
)

// UserCorrection is a user-submitted verdict on a span of original-audio
// seconds, used both to force-reject LLM proposals that overlap a
// previously marked false positive and to record a user's explicit
// confirmation of an ad span.
type UserCorrection struct {
	Action    CorrectionAction
	Start     float64
	End       float64
	CreatedAt time.Time
}

// QueueEntry is one pending unit of work for the scheduler.
type QueueEntry struct {
	PodcastSlug string
	EpisodeID   string
	OriginalURL string
	Title       string
	Status      QueueStatus
	Attempts    int
	UpdatedAt   time.Time
}

// QueueStatus is the lifecycle state of a QueueEntry.
type QueueStatus string

const (
	QueueQueued QueueStatus = "queued"
	QueueFailed QueueStatus = "failed"
	QueueDone   QueueStatus = "done"
)
