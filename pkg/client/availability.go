package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/model"

	"github.com/google/uuid"
)

const (
	opFetch   = "fetch availability"
	opCheck   = "check range"
	opAcquire = "acquire lock"
	opRelease = "release lock"
	opSeed    = "set availability"

	idempotencyKeyHeader = "Idempotency-Key"
	signatureHeader      = "X-Signature-256"
)

// AvailabilityClient speaks the backend's REST contract. Every failure comes
// back as an *apperrors.AppError.
type AvailabilityClient struct {
	http          *HttpClient
	sessionID     string
	signingSecret string
}

func NewAvailabilityClient(baseURL string, timeout time.Duration) *AvailabilityClient {
	return &AvailabilityClient{http: NewHttpClient(baseURL, timeout)}
}

func NewAvailabilityClientFrom(httpClient *HttpClient) *AvailabilityClient {
	return &AvailabilityClient{http: httpClient}
}

// WithSession returns a copy that identifies itself as sessionID, so the
// backend does not report the session's own holds as conflicts.
func (c *AvailabilityClient) WithSession(sessionID string) *AvailabilityClient {
	cp := *c
	cp.sessionID = sessionID
	return &cp
}

// WithSigningSecret returns a copy that signs inventory writes.
func (c *AvailabilityClient) WithSigningSecret(secret string) *AvailabilityClient {
	cp := *c
	cp.signingSecret = secret
	return &cp
}

func (c *AvailabilityClient) headers() map[string]string {
	h := make(map[string]string, 2)
	if c.sessionID != "" {
		h[model.SessionHeader] = c.sessionID
	}
	return h
}

func (c *AvailabilityClient) FetchAvailability(ctx context.Context, resourceID string) (model.AvailabilityState, error) {
	var state model.AvailabilityState

	resp, err := c.http.request(ctx, http.MethodGet, resourcePath(resourceID, "/availability"), nil, c.headers())
	if err != nil {
		return state, apperrors.Transport(opFetch, err)
	}
	if resp.StatusCode != http.StatusOK {
		return state, mapErrorResponse(opFetch, resourceID, resp)
	}
	if err := resp.DecodeData(&state); err != nil {
		return state, apperrors.Transport(opFetch, err)
	}
	state.UnavailableDates = model.NormalizeDates(state.UnavailableDates)
	return state, nil
}

func (c *AvailabilityClient) CheckRange(ctx context.Context, resourceID string, r model.DateRange) (model.CheckResult, error) {
	var result model.CheckResult

	resp, err := c.http.POSTWithHeaders(ctx, resourcePath(resourceID, "/availability/check"), r, c.headers())
	if err != nil {
		return result, apperrors.Transport(opCheck, err)
	}
	if resp.StatusCode != http.StatusOK {
		return result, mapErrorResponse(opCheck, resourceID, resp)
	}
	if err := resp.DecodeData(&result); err != nil {
		return result, apperrors.Transport(opCheck, err)
	}
	return result, nil
}

// AcquireLock retries once after a transport failure. Both attempts carry the
// same idempotency key, so a grant whose response was lost is replayed
// rather than refused as a conflict with itself.
func (c *AvailabilityClient) AcquireLock(ctx context.Context, resourceID string, req model.LockRequest) (model.LockGrant, error) {
	var grant model.LockGrant

	body := req
	headers := c.headers()
	if req.SessionID != "" {
		headers[model.SessionHeader] = req.SessionID
	}
	headers[idempotencyKeyHeader] = uuid.NewString()

	resp, err := c.http.POSTWithHeaders(ctx, resourcePath(resourceID, "/locks"), body, headers)
	if err != nil && ctx.Err() == nil {
		resp, err = c.http.POSTWithHeaders(ctx, resourcePath(resourceID, "/locks"), body, headers)
	}
	if err != nil {
		return grant, apperrors.Transport(opAcquire, err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return grant, mapErrorResponse(opAcquire, resourceID, resp)
	}
	if err := resp.DecodeData(&grant); err != nil {
		return grant, apperrors.Transport(opAcquire, err)
	}
	if grant.LockID == "" {
		return grant, apperrors.Transport(opAcquire, fmt.Errorf("grant without lock id: %s", resp.ToString()))
	}
	if grant.ResourceID == "" {
		grant.ResourceID = resourceID
	}
	return grant, nil
}

// ReleaseLock is idempotent: a lock the backend no longer knows is released.
func (c *AvailabilityClient) ReleaseLock(ctx context.Context, lockID string) error {
	resp, err := c.http.request(ctx, http.MethodDelete, "/api/v1/locks/"+url.PathEscape(lockID), nil, c.headers())
	if err != nil {
		return apperrors.Transport(opRelease, err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	}
	return mapErrorResponse(opRelease, "", resp)
}

// SetAvailability seeds a resource on the reference backend.
func (c *AvailabilityClient) SetAvailability(ctx context.Context, resourceID string, update model.ResourceUpdate) (model.AvailabilityState, error) {
	var state model.AvailabilityState

	raw, err := json.Marshal(update)
	if err != nil {
		return state, apperrors.InvalidInput(fmt.Sprintf("encode update: %v", err))
	}
	headers := c.headers()
	if c.signingSecret != "" {
		mac := hmac.New(sha256.New, []byte(c.signingSecret))
		mac.Write(raw)
		headers[signatureHeader] = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	resp, err := c.http.request(ctx, http.MethodPut, resourcePath(resourceID, "/availability"), json.RawMessage(raw), headers)
	if err != nil {
		return state, apperrors.Transport(opSeed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return state, mapErrorResponse(opSeed, resourceID, resp)
	}
	if err := resp.DecodeData(&state); err != nil {
		return state, apperrors.Transport(opSeed, err)
	}
	return state, nil
}

func resourcePath(resourceID, suffix string) string {
	return "/api/v1/resources/" + url.PathEscape(resourceID) + suffix
}

type errorEnvelope struct {
	Error   string                     `json:"error"`
	Code    string                     `json:"code"`
	Details map[string]json.RawMessage `json:"details"`
}

// mapErrorResponse rebuilds the backend's AppError from a non-success
// response. Anything that is not a recognised client error is treated as a
// transport failure so callers fail closed.
func mapErrorResponse(op, resourceID string, resp *Response) error {
	var env errorEnvelope
	_ = resp.DecodeJSON(&env)

	message := env.Error
	if message == "" {
		message = GetErrorMessage(resp)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusRequestTimeout {
		return apperrors.Transport(op, fmt.Errorf("backend returned %s", resp.ToString()))
	}

	conflicts := decodeConflicts(env.Details)
	reason := decodeString(env.Details, apperrors.DetailReason)

	switch {
	case env.Code == apperrors.CodeLockUnavailable:
		return apperrors.LockUnavailable(resourceID, reason, conflicts)
	case env.Code == apperrors.CodeLockExpired || resp.StatusCode == http.StatusGone:
		return apperrors.LockExpired(decodeString(env.Details, apperrors.DetailLockID))
	case resp.StatusCode == http.StatusConflict:
		return apperrors.RangeConflict(resourceID, conflicts)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return apperrors.Validation(message, genericDetails(env.Details))
	case resp.StatusCode == http.StatusBadRequest:
		return apperrors.InvalidInput(message)
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NotFoundWithID("resource", resourceID)
	case resp.StatusCode == http.StatusUnauthorized:
		return apperrors.Unauthorized(message)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.RateLimited()
	}
	return apperrors.Transport(op, fmt.Errorf("unexpected response %s", resp.ToString()))
}

func decodeConflicts(details map[string]json.RawMessage) []model.ConflictRange {
	raw, ok := details[apperrors.DetailConflicts]
	if !ok {
		return nil
	}
	var conflicts []model.ConflictRange
	if err := json.Unmarshal(raw, &conflicts); err != nil {
		return nil
	}
	return conflicts
}

func decodeString(details map[string]json.RawMessage, key string) string {
	raw, ok := details[key]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func genericDetails(details map[string]json.RawMessage) map[string]any {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, raw := range details {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[k] = v
		}
	}
	return out
}
