package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/domain"
)

const SantimentURL = "https://api.santiment.net/graphql"

// ErrMissingAPIKey is returned by sources that cannot run anonymously.
var ErrMissingAPIKey = errors.New("missing api key")

const whaleQuery = `{
  getMetric(metric: "amount_in_addresses") {
    timeseriesData(
      selector: { slug: %q, label: "whale", threshold: "1000" }
      from: "utc_now-7d"
      to: "utc_now"
      interval: "1d"
    ) {
      datetime
      value
    }
  }
}`

// SantimentWhales reads the 7-day balance held by whale addresses.
type SantimentWhales struct {
	url      string
	apiKey   string
	slug     string
	client   *http.Client
	throttle throttle
	logger   *zap.Logger
}

func NewSantimentWhales(url, apiKey, slug string, logger *zap.Logger) *SantimentWhales {
	if logger == nil {
		logger = zap.NewNop()
	}
	if url == "" {
		url = SantimentURL
	}
	if slug == "" {
		slug = "ethereum"
	}
	return &SantimentWhales{
		url:      url,
		apiKey:   apiKey,
		slug:     slug,
		client:   &http.Client{Timeout: 2 * defaultHTTPTimeout},
		throttle: newThrottle(1, 1),
		logger:   logger.With(zap.String("source", "santiment")),
	}
}

type santimentResponse struct {
	Data struct {
		GetMetric struct {
			TimeseriesData []struct {
				Datetime string   `json:"datetime"`
				Value    *float64 `json:"value"`
			} `json:"timeseriesData"`
		} `json:"getMetric"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// WhaleFlow reports selling when whale holdings shrank over the window and
// buying otherwise. Fewer than two points carry no signal.
func (s *SantimentWhales) WhaleFlow(ctx context.Context, _ string) (domain.WhaleFlow, error) {
	if s.apiKey == "" {
		return domain.WhaleFlowUnknown, ErrMissingAPIKey
	}

	payload, err := json.Marshal(map[string]string{"query": fmt.Sprintf(whaleQuery, s.slug)})
	if err != nil {
		return domain.WhaleFlowUnknown, err
	}

	resp, err := do(ctx, s.throttle, func(ctx context.Context) (santimentResponse, error) {
		var out santimentResponse
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return out, permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Apikey "+s.apiKey)

		httpResp, err := s.client.Do(req)
		if err != nil {
			return out, err
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return out, err
		}
		if err := statusError(httpResp, body); err != nil {
			return out, err
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return out, permanent(fmt.Errorf("decode santiment response: %w", err))
		}
		if len(out.Errors) > 0 {
			return out, permanent(fmt.Errorf("santiment: %s", out.Errors[0].Message))
		}
		return out, nil
	})
	if err != nil {
		return domain.WhaleFlowUnknown, fmt.Errorf("santiment whales %s: %w", s.slug, err)
	}

	points := resp.Data.GetMetric.TimeseriesData
	s.logger.Debug("Whale series fetched", zap.Int("points", len(points)))
	if len(points) < 2 {
		return domain.WhaleFlowUnknown, nil
	}
	first, last := valueOrZero(points[0].Value), valueOrZero(points[len(points)-1].Value)
	if last < first {
		return domain.WhaleFlowSelling, nil
	}
	return domain.WhaleFlowBuying, nil
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
