package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sender delivers one parameter write to a device address.
type Sender interface {
	Send(ctx context.Context, addr, param string, value float64) (attempts int, err error)
}

// StatusError is returned when the device answered with a non-2xx status.
// Such answers are never retried.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device answered %s", e.Status)
}

// HTTPSender posts form-encoded settings to http://<addr>/config.
type HTTPSender struct {
	client  *http.Client
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

// NewHTTPSender returns a sender that makes up to retries extra attempts
// on transport failures, waiting delay between attempts.
func NewHTTPSender(timeout time.Duration, retries int, delay time.Duration, logger *slog.Logger) *HTTPSender {
	if retries < 0 {
		retries = 0
	}
	return &HTTPSender{
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		delay:   delay,
		logger:  logger,
	}
}

func (s *HTTPSender) Send(ctx context.Context, addr, param string, value float64) (int, error) {
	endpoint := configURL(addr)
	form := url.Values{}
	form.Set(param, FormatValue(value))
	body := form.Encode()

	attempts := 0
	op := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(&StatusError{Code: resp.StatusCode, Status: resp.Status})
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.delay), uint64(s.retries)),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		s.logger.Warn("command_retry", "addr", addr, "param", param, "attempt", attempts, "wait", wait.String(), "err", err)
	})
	return attempts, err
}

func configURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.Contains(addr, "://") {
		return addr + "/config"
	}
	return "http://" + addr + "/config"
}

// FormatValue renders v the way the device firmware expects it: no
// exponent and no trailing zeros.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
