package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kh1985/funding-arb-system/pkg/portfolio"
)

// CycleRecord captures one end-to-end trading cycle for audit and analysis.
type CycleRecord struct {
	Timestamp time.Time `json:"timestamp"`
	CycleID   int64     `json:"cycle_id"`

	RiskState     portfolio.RiskState `json:"risk_state"`
	PrevRiskState portfolio.RiskState `json:"prev_risk_state,omitempty"`
	Drawdown      float64             `json:"drawdown"`
	EquityUSD     float64             `json:"equity_usd"`
	CapitalUSD    float64             `json:"capital_usd"`

	Universe      []string          `json:"universe,omitempty"`
	IntentCount   int               `json:"intent_count"`
	AdmittedCount int               `json:"admitted_count"`
	Rejections    map[string]string `json:"rejections,omitempty"` // pair key -> reason

	OpenedPairs    []string `json:"opened_pairs,omitempty"`
	ClosedPairs    []string `json:"closed_pairs,omitempty"`
	FlattenedPairs []string `json:"flattened_pairs,omitempty"`
	ZombiePairs    []string `json:"zombie_pairs,omitempty"`
	Rebalanced     []string `json:"rebalanced_pairs,omitempty"`

	Skipped      bool   `json:"skipped"`
	ErrorMessage string `json:"error_message,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Writer persists cycle records to a directory as JSON files.
type Writer struct {
	dir   string
	nowFn func() time.Time
}

// NewWriter constructs a journal writer rooted at dir.
func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = "journal"
	}
	_ = os.MkdirAll(dir, 0o755)
	return &Writer{dir: dir, nowFn: time.Now}
}

// WriteCycle writes one record to a timestamped JSON file and returns its path.
func (w *Writer) WriteCycle(rec *CycleRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("journal: nil record")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.nowFn()
	}
	name := fmt.Sprintf("cycle_%s_%06d.json", rec.Timestamp.UTC().Format("20060102_150405"), rec.CycleID)
	path := filepath.Join(w.dir, name)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
