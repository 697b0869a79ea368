package generation

import (
	"time"

	"github.com/BaSui01/meshforge/generation/ledger"
	"github.com/BaSui01/meshforge/generation/views"
	"github.com/BaSui01/meshforge/types"
)

// Pipeline step names, in order.
const (
	StepViews = "Generating views"
	StepModel = "Building 3D model"
)

const (
	stepViewsIndex = 0
	stepModelIndex = 1
)

// Run outcomes reported to Recorder and Metrics.
const (
	OutcomeCompleted  = "completed"
	OutcomeFailed     = "failed"
	OutcomeCancelled  = "cancelled"
	OutcomeSuperseded = "superseded"
)

// State is the consumer-facing view of a session.
type State struct {
	SessionID  string          `json:"session_id"`
	Generation uint64          `json:"generation"`
	Steps      []ledger.Step   `json:"steps"`
	Images     []views.Image   `json:"images"`
	MeshURL    string          `json:"mesh_url,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  types.ErrorCode `json:"error_code,omitempty"`
	Busy       bool            `json:"busy"`
	TotalTime  string          `json:"total_time,omitempty"` // seconds, two decimals
	StartedAt  *time.Time      `json:"started_at,omitempty"`
}

// Significant reports whether s differs from prev in anything other than
// the running step timers.
func (s State) Significant(prev State) bool {
	if s.Generation != prev.Generation || s.Busy != prev.Busy ||
		s.MeshURL != prev.MeshURL || s.Error != prev.Error ||
		s.TotalTime != prev.TotalTime || len(s.Images) != len(prev.Images) ||
		len(s.Steps) != len(prev.Steps) {
		return true
	}
	for i := range s.Steps {
		if s.Steps[i].Status != prev.Steps[i].Status {
			return true
		}
		// 计时停止后的最终时间也需要持久化
		if s.Steps[i].Status != ledger.StatusLoading && s.Steps[i].Time != prev.Steps[i].Time {
			return true
		}
	}
	return false
}

// RunSummary describes one finished generation for the run history.
type RunSummary struct {
	SessionID  string
	Generation uint64
	Outcome    string
	MeshURL    string
	Error      string
	ErrorCode  types.ErrorCode
	ViewCount  int
	Elapsed    time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
}
