package metricsfeed

import (
	"context"
	"time"

	"github.com/hollowaydev/promopilot/internal/models"
)

// Stub is a metrics feed for dry runs. Dry-run campaigns never deliver, so
// it reports no samples.
type Stub struct{}

func (Stub) Poll(_ context.Context, _ models.CampaignHandle, _ time.Time) ([]models.MetricSample, error) {
	return nil, nil
}
