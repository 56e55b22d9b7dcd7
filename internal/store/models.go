package store

import "time"

// Land is a research project: a name, a language, a dictionary and the
// expressions collected under it.
type Land struct {
	ID          int64
	Name        string
	Description string
	Lang        string
	CreatedAt   time.Time
}

// LandSummary is a Land plus the aggregate numbers shown by `land list`.
type LandSummary struct {
	Land
	Terms            []string
	ExpressionCount  int64
	RemainingToCrawl int64
}

// Word is a global vocabulary entry. The lemma is the stemmed form used for
// scoring; the same lemma may back several surface terms.
type Word struct {
	ID    int64
	Term  string
	Lemma string
}

// Domain caches per-host metadata shared by expressions across lands.
type Domain struct {
	ID          int64
	Name        string
	HTTPStatus  string
	Title       string
	Description string
	Keywords    string
	CreatedAt   time.Time
	FetchedAt   *time.Time
}

// Expression is a single page URL within a Land.
//
// Timestamp lifecycle: FetchedAt is set once an HTTP attempt has concluded,
// ApprovedAt iff relevance was positive at writeback, ReadableAt iff the
// refiner succeeded.
type Expression struct {
	ID          int64
	LandID      int64
	DomainID    int64
	URL         string
	HTTPStatus  string
	Lang        string
	Title       string
	Description string
	Keywords    string
	Author      string
	Readable    string
	CreatedAt   time.Time
	PublishedAt *time.Time
	FetchedAt   *time.Time
	ApprovedAt  *time.Time
	ReadableAt  *time.Time
	Relevance   int
	Depth       int
}

// Media kinds.
const (
	MediaImage = "img"
	MediaVideo = "video"
	MediaAudio = "audio"
)

// Media is an image/video/audio reference discovered inside an Expression.
// Analysis fields stay nil until the analyzer has visited the row.
type Media struct {
	ID           int64
	ExpressionID int64
	URL          string
	Type         string

	Width           *int
	Height          *int
	FileSize        *int64
	Format          string
	ColorMode       string
	DominantColors  string // JSON array of palette entries
	WebsafeColors   string // JSON object: websafe hex -> percentage
	HasTransparency *bool
	AspectRatio     *float64
	EXIFData        string // JSON object
	ImageHash       string
	ContentTags     string // comma-joined hints
	NSFWScore       *float64
	AnalyzedAt      *time.Time
	AnalysisError   string
}
