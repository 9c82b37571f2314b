package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/feedesk/backend/internal/interfaces/http/dto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every remote call when none is configured
const DefaultTimeout = 5 * time.Second

// HTTPStore is the device-side client of the authority API.
//
// Transport failures, timeouts, 429 and the 502/503/504 statuses are
// reported as shared.ErrRemoteUnreachable. Other failures are decoded from
// the response envelope into the matching domain error.
type HTTPStore struct {
	baseURL  *url.URL
	client   *http.Client
	timeout  time.Duration
	deviceID string
	logger   *zap.Logger
}

// HTTPStoreOption configures an HTTPStore
type HTTPStoreOption func(*HTTPStore)

// WithHTTPClient replaces the underlying client
func WithHTTPClient(c *http.Client) HTTPStoreOption {
	return func(s *HTTPStore) {
		s.client = c
	}
}

// WithTimeout bounds each call
func WithTimeout(d time.Duration) HTTPStoreOption {
	return func(s *HTTPStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithDeviceID is sent as X-Device-ID on every request
func WithDeviceID(id string) HTTPStoreOption {
	return func(s *HTTPStore) {
		s.deviceID = id
	}
}

// WithHTTPLogger sets the logger
func WithHTTPLogger(l *zap.Logger) HTTPStoreOption {
	return func(s *HTTPStore) {
		s.logger = logger.OrNop(l)
	}
}

// NewHTTPStore creates a client for the authority at baseURL
func NewHTTPStore(baseURL string, opts ...HTTPStoreOption) (*HTTPStore, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote base url must be http or https, got %q", baseURL)
	}

	s := &HTTPStore{
		baseURL: u,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ListInstallments fetches installments matching the query
func (s *HTTPStore) ListInstallments(ctx context.Context, q fee.Query) ([]fee.Installment, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	params := url.Values{}
	for k, v := range dto.ToQueryParams(q) {
		params.Set(k, v)
	}

	var out []fee.Installment
	if err := s.do(ctx, http.MethodGet, "/api/v1/installments", params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateInstallment posts a new installment
func (s *HTTPStore) CreateInstallment(ctx context.Context, inst *fee.Installment) (*fee.Installment, error) {
	var out fee.Installment
	if err := s.do(ctx, http.MethodPost, "/api/v1/installments", nil, inst, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateInstallment replaces an installment
func (s *HTTPStore) UpdateInstallment(ctx context.Context, inst *fee.Installment) (*fee.Installment, error) {
	var out fee.Installment
	if err := s.do(ctx, http.MethodPut, "/api/v1/installments/"+inst.ID.String(), nil, inst, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IncrementCounter asks the authority for the next sequence of the scope
func (s *HTTPStore) IncrementCounter(ctx context.Context, scope fee.Scope) (*fee.ReceiptCounter, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var out fee.ReceiptCounter
	if err := s.do(ctx, http.MethodPost, counterPath(scope)+"/increment", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCounter fetches the scope counter
func (s *HTTPStore) GetCounter(ctx context.Context, scope fee.Scope) (*fee.ReceiptCounter, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var out fee.ReceiptCounter
	if err := s.do(ctx, http.MethodGet, counterPath(scope), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping calls the health endpoint
func (s *HTTPStore) Ping(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func counterPath(scope fee.Scope) string {
	return "/api/v1/counters/" + url.PathEscape(scope.SchoolID) + "/" +
		string(scope.DocumentType) + "/" + strconv.Itoa(scope.Year)
}

func (s *HTTPStore) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// path segments arrive escaped
	u := s.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.deviceID != "" {
		req.Header.Set("X-Device-ID", s.deviceID)
	}
	if requestID := logger.GetRequestID(ctx); requestID != "" {
		req.Header.Set(logger.RequestIDHeader, requestID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("remote call failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return shared.Wrap(shared.ErrRemoteUnreachable, fmt.Sprintf("%s %s: %v", method, path, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return shared.Wrap(shared.ErrRemoteUnreachable, fmt.Sprintf("%s %s: read body: %v", method, path, err))
	}

	var envelope dto.RawResponse
	decodeErr := json.Unmarshal(raw, &envelope)

	if resp.StatusCode >= 300 || (decodeErr == nil && !envelope.Success) {
		return s.statusError(method, path, resp.StatusCode, &envelope)
	}
	if decodeErr != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, decodeErr)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, path, err)
	}
	return nil
}

// statusError maps a failed response onto the domain errors. Only gateway
// and availability statuses count as unreachable; any other 5xx is the
// authority failing on this request and is not retried blindly.
func (s *HTTPStore) statusError(method, path string, status int, envelope *dto.RawResponse) error {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return shared.Wrap(shared.ErrRemoteUnreachable, fmt.Sprintf("%s %s: status %d", method, path, status))
	}
	if domainErr, ok := dto.DomainErrorFor(envelope.Error); ok {
		return domainErr
	}

	msg := fmt.Sprintf("%s %s: status %d", method, path, status)
	if envelope.Error != nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	switch status {
	case http.StatusConflict:
		return shared.Wrap(shared.ErrCounterConflict, msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return shared.Wrap(shared.ErrValidationRejected, msg)
	case http.StatusNotFound:
		return shared.Wrap(shared.ErrNotFound, msg)
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return shared.Wrap(shared.ErrRemoteUnreachable, msg)
	}
	return fmt.Errorf("authority error (status %d): %s", status, msg)
}

var _ fee.RemoteStore = (*HTTPStore)(nil)
