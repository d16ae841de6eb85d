package contentfilter

import (
	"context"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/visiond/internal/logging"
)

// SecretFilter rejects prompts that contain credentials. Prompts are
// forwarded to a third-party API, so a leaked key would leave the process.
type SecretFilter struct {
	logger *logging.Logger
}

// NewSecretFilter creates a secret filter. A nil logger discards output.
func NewSecretFilter(logger *logging.Logger) *SecretFilter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SecretFilter{logger: logger}
}

// Validate fails closed: a detector that cannot be built rejects the prompt.
func (f *SecretFilter) Validate(prompt string) bool {
	// A fresh detector per call; detectors accumulate findings.
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		f.logger.Error(context.Background(), "creating secret detector", zap.Error(err))
		return false
	}

	findings := detector.DetectString(prompt)
	if len(findings) == 0 {
		return true
	}

	rules := make([]string, 0, len(findings))
	for _, finding := range findings {
		rules = append(rules, finding.RuleID)
	}
	f.logger.Warn(context.Background(), "prompt rejected: contains secret",
		zap.Strings("rules", rules),
	)
	return false
}
