package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"signalrouter/internal/events"
)

// HTTPSink posts every event as a JSON body to a configured webhook URL,
// grounded on the teacher corpus's resty retry/backoff client
// construction idiom (internal/exchange/client.go in the polymarket-mm
// example): bounded retries, only on 5xx or transport error, with a
// capped backoff -- never retried on a 4xx, since that means the
// receiving end rejected the body itself and retrying verbatim won't fix
// it.
type HTTPSink struct {
	http *resty.Client
	url  string
}

// NewHTTPSink builds a Sink that POSTs to url with a 3 retry budget.
func NewHTTPSink(url string) *HTTPSink {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	return &HTTPSink{http: client, url: url}
}

func (s *HTTPSink) Notify(ctx context.Context, topic events.Event, payload any) error {
	body, err := marshalPayload(topic, payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("post %s event: %w", topic, err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("post %s event: upstream status %d: %s", topic, resp.StatusCode(), resp.String())
	}
	return nil
}
