// Package quality measures detector accuracy against ground-truth labels
// and watches for drift against recorded baselines.
package quality

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/singura/singura/internal/models"
)

// primarySampleFloor is the sample count below which a baseline is
// recorded but flagged provisional.
const primarySampleFloor = 100

// GroundTruth labels one automation for evaluation.
type GroundTruth struct {
	AutomationID string
	Malicious    bool
}

// ConfusionMatrix holds the four evaluation counts.
type ConfusionMatrix struct {
	TruePositives  int `json:"truePositives"`
	TrueNegatives  int `json:"trueNegatives"`
	FalsePositives int `json:"falsePositives"`
	FalseNegatives int `json:"falseNegatives"`
}

// Report is one evaluation of a detector's predictions against labels.
type Report struct {
	DetectorName   string                   `json:"detectorName"`
	Precision      float64                  `json:"precision"`
	Recall         float64                  `json:"recall"`
	F1             float64                  `json:"f1"`
	Accuracy       float64                  `json:"accuracy"`
	Matrix         ConfusionMatrix          `json:"confusionMatrix"`
	FalsePositives []models.DetectionResult `json:"falsePositives"`
	FalseNegatives []models.DetectionResult `json:"falseNegatives"`
	SampleSize     int                      `json:"sampleSize"`
}

// Evaluate scores predictions against ground truth. A labeled-malicious
// automation with no prediction at all counts as a false negative; it
// appears in the FN list as a synthetic record with no detector name.
func Evaluate(detectorName string, predictions []models.DetectionResult, truth []GroundTruth) Report {
	labels := make(map[string]bool, len(truth))
	for _, g := range truth {
		labels[g.AutomationID] = g.Malicious
	}

	report := Report{DetectorName: detectorName}
	predicted := make(map[string]struct{}, len(predictions))

	for _, p := range predictions {
		malicious, labeled := labels[p.AutomationID]
		if !labeled {
			continue
		}
		predicted[p.AutomationID] = struct{}{}
		switch {
		case p.Predicted == models.PredictedMalicious && malicious:
			report.Matrix.TruePositives++
		case p.Predicted == models.PredictedMalicious && !malicious:
			report.Matrix.FalsePositives++
			report.FalsePositives = append(report.FalsePositives, p)
		case p.Predicted == models.PredictedLegitimate && malicious:
			report.Matrix.FalseNegatives++
			report.FalseNegatives = append(report.FalseNegatives, p)
		default:
			report.Matrix.TrueNegatives++
		}
	}

	// Silence on a labeled-malicious automation is a miss.
	for _, g := range truth {
		if _, seen := predicted[g.AutomationID]; seen || !g.Malicious {
			continue
		}
		report.Matrix.FalseNegatives++
		report.FalseNegatives = append(report.FalseNegatives, models.DetectionResult{
			AutomationID: g.AutomationID,
			Predicted:    models.PredictedLegitimate,
		})
	}

	m := report.Matrix
	report.SampleSize = m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if positives := m.TruePositives + m.FalsePositives; positives > 0 {
		report.Precision = float64(m.TruePositives) / float64(positives)
	}
	if actual := m.TruePositives + m.FalseNegatives; actual > 0 {
		report.Recall = float64(m.TruePositives) / float64(actual)
	}
	if report.Precision > 0 && report.Recall > 0 {
		report.F1 = 2 * report.Precision * report.Recall / (report.Precision + report.Recall)
	}
	if report.SampleSize > 0 {
		report.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(report.SampleSize)
	}
	return report
}

// Baseline converts a report into a storable snapshot. Small samples are
// flagged provisional but still participate in drift alerting.
func (r Report) Baseline(version int) *models.DetectorBaseline {
	return &models.DetectorBaseline{
		ID:           ulid.Make().String(),
		DetectorName: r.DetectorName,
		Version:      version,
		Precision:    r.Precision,
		Recall:       r.Recall,
		F1:           r.F1,
		SampleSize:   r.SampleSize,
		Provisional:  r.SampleSize < primarySampleFloor,
		Timestamp:    time.Now().UTC(),
	}
}
