package retrain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/store"
	"github.com/quantpond/driftline/internal/train"
)

// CalibrationConfig tunes the live calibration monitor.
type CalibrationConfig struct {
	ModelName          string
	ModelType          string
	AbsThreshold       float64       // live_ece − prod_ece
	RelThreshold       float64       // Δ / prod_ece
	Window             time.Duration // trailing labeled-inference window
	MaxSamples         int
	MinSamples         int
	CVDegradationRatio float64 // last_cv_mean_auc / prod_auc floor, 0 disables
}

// CalibrationReport is one monitor read.
type CalibrationReport struct {
	LiveECE      float64 `json:"live_ece"`
	ProdECE      float64 `json:"prod_ece"`
	Samples      int     `json:"samples"`
	AbsDrift     bool    `json:"abs_drift"`
	RelDrift     bool    `json:"rel_drift"`
	CVDegraded   bool    `json:"cv_degraded"`
	CVRatio      float64 `json:"cv_ratio,omitempty"`
	Streak       int     `json:"streak"`
	Recommended  bool    `json:"recommended"`
	Insufficient bool    `json:"insufficient"`
}

// CalibrationMonitor recomputes ECE over recently labeled inferences and
// compares it against the production model's training-time ECE.
type CalibrationMonitor struct {
	inferences store.InferenceLog
	registry   store.ModelRegistry
	cfg        CalibrationConfig

	mu     sync.Mutex
	streak int
}

// NewCalibrationMonitor builds the monitor.
func NewCalibrationMonitor(inferences store.InferenceLog, registry store.ModelRegistry, cfg CalibrationConfig) *CalibrationMonitor {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 2000
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 50
	}
	return &CalibrationMonitor{inferences: inferences, registry: registry, cfg: cfg}
}

// Check reads the trailing window and updates the drift streak. Too few
// labeled inferences or a missing production model report Insufficient
// without touching the streak.
func (m *CalibrationMonitor) Check(ctx context.Context) (CalibrationReport, error) {
	var report CalibrationReport

	prod, err := m.registry.FetchProduction(ctx, m.cfg.ModelName, m.cfg.ModelType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			report.Insufficient = true
			return report, nil
		}
		return report, fmt.Errorf("failed to load production model: %w", err)
	}
	prodECE, ok := prod.MetricFloat("ece")
	if !ok {
		report.Insufficient = true
		return report, nil
	}
	report.ProdECE = prodECE

	recs, err := m.inferences.RecentLabeled(ctx, m.cfg.ModelName, m.cfg.Window, m.cfg.MaxSamples)
	if err != nil {
		return report, fmt.Errorf("failed to load labeled inferences: %w", err)
	}
	report.Samples = len(recs)
	if len(recs) < m.cfg.MinSamples {
		report.Insufficient = true
		return report, nil
	}

	probs := make([]float64, len(recs))
	labels := make([]int, len(recs))
	for i, r := range recs {
		probs[i] = r.Probability
		labels[i] = *r.RealizedLabel
	}
	report.LiveECE = train.Evaluate(probs, labels).ECE

	delta := report.LiveECE - prodECE
	report.AbsDrift = delta >= m.cfg.AbsThreshold
	if prodECE > 0 {
		report.RelDrift = delta/prodECE >= m.cfg.RelThreshold
	}

	if m.cfg.CVDegradationRatio > 0 {
		report.CVDegraded, report.CVRatio = m.cvDegradation(ctx, prod.MetricsMap())
	}

	drifting := report.AbsDrift || report.RelDrift
	m.mu.Lock()
	if drifting {
		m.streak++
	} else {
		m.streak = 0
	}
	report.Streak = m.streak
	m.mu.Unlock()

	report.Recommended = drifting
	if m.cfg.CVDegradationRatio > 0 {
		report.Recommended = drifting && report.CVDegraded
	}

	if drifting {
		log.Info().
			Float64("live_ece", report.LiveECE).
			Float64("prod_ece", prodECE).
			Bool("abs", report.AbsDrift).
			Bool("rel", report.RelDrift).
			Bool("recommended", report.Recommended).
			Msg("Calibration drift detected")
	}
	return report, nil
}

// Reset clears the drift streak after a retrain runs.
func (m *CalibrationMonitor) Reset() {
	m.mu.Lock()
	m.streak = 0
	m.mu.Unlock()
}

// cvDegradation compares the newest registered model's CV AUC against the
// production hold-out AUC.
func (m *CalibrationMonitor) cvDegradation(ctx context.Context, prodMetrics map[string]any) (bool, float64) {
	prodAUC, ok := floatMetric(prodMetrics, "auc")
	if !ok || prodAUC == 0 {
		return false, 0
	}

	rows, err := m.registry.FetchLatest(ctx, m.cfg.ModelName, m.cfg.ModelType, 1)
	if err != nil || len(rows) == 0 {
		return false, 0
	}
	cvAUC, ok := rows[0].MetricFloat("cv_mean_auc")
	if !ok {
		return false, 0
	}
	ratio := cvAUC / prodAUC
	return ratio < m.cfg.CVDegradationRatio, ratio
}

func floatMetric(metrics map[string]any, key string) (float64, bool) {
	v, ok := metrics[key]
	if !ok || v == nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
