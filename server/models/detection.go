package models

// Principal is a verified identity. It is only valid for the request that
// produced it.
type Principal struct {
	Email  string         `json:"email"`
	Claims map[string]any `json:"-"`
}

type BBox struct {
	XCenter float64 `json:"x_center"`
	YCenter float64 `json:"y_center"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// Detection is one object reported by the detector. Box coordinates are
// normalized to the image dimensions.
type Detection struct {
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Box        BBox    `json:"box"`
}

type Workspace struct {
	Namespace string `json:"namespace"`
	UploadDir string `json:"upload_dir"`
	ResultDir string `json:"result_dir"`
}

type Stage string

const (
	StageReceived        Stage = "RECEIVED"
	StageValidatingImage Stage = "VALIDATING_IMAGE"
	StagePersistingInput Stage = "PERSISTING_INPUT"
	StageDetecting       Stage = "DETECTING"
	StageRenderingResult Stage = "RENDERING_RESULT"
	StageWritingLabels   Stage = "WRITING_LABELS"
	StageDone            Stage = "DONE"
	StageFailed          Stage = "FAILED"
)

type DetectionRequest struct {
	// ID prefixes every stored artifact of the request. The pipeline fills
	// it in when empty.
	ID          string
	Principal   *Principal
	Data        []byte
	Filename    string
	ContentType string

	// OnStage, when set, is called synchronously on every stage transition.
	OnStage func(Stage)
}

type DetectionResponse struct {
	ResultImage string `json:"result_image"`
	LabelFile   string `json:"label_file"`
	User        string `json:"user"`
}

type APIErrorResponse struct {
	Error *APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
