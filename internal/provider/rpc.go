package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/pysugar/kiro-accounts/internal/codec"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/util"
)

const maxRPCResponse = 1 << 20

// rpcClient speaks smithy rpc-v2-cbor: POST {base}/service/{svc}/operation/{op}
// with CBOR bodies in both directions.
type rpcClient struct {
	baseURL    string
	service    string
	httpClient *http.Client
	provider   Kind
}

// rpcError is the error body shape of rpc-v2-cbor responses.
type rpcError struct {
	Type    string `cbor:"__type"`
	Message string `cbor:"message"`
}

func (c *rpcClient) call(ctx context.Context, op string, in, out any) error {
	body, err := codec.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	endpoint := strings.TrimRight(c.baseURL, "/") + "/service/" + c.service + "/operation/" + op
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", codec.ContentType)
	req.Header.Set("Accept", codec.ContentType)
	req.Header.Set("Smithy-Protocol", "rpc-v2-cbor")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Provider(string(c.provider), true, err, "%s request failed", op)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCResponse))
	if err != nil {
		return errs.Provider(string(c.provider), true, err, "read %s response", op)
	}

	if resp.StatusCode != http.StatusOK {
		return c.statusError(op, resp.StatusCode, data)
	}
	if err := codec.Unmarshal(data, out); err != nil {
		return errs.Provider(string(c.provider), false,
			errs.Wrap(errs.KindInvalidFormat, err, "malformed %s response", op),
			"%s returned an undecodable body", op)
	}
	return nil
}

func (c *rpcClient) statusError(op string, status int, data []byte) error {
	var rerr rpcError
	// Error bodies are best-effort; an undecodable one still yields a
	// status-based error.
	_ = codec.Unmarshal(data, &rerr)
	desc := rerr.Type
	if rerr.Message != "" {
		desc = strings.TrimSpace(desc + " " + rerr.Message)
	}
	if desc == "" && len(data) > 0 && utf8.Valid(data) {
		// Gateways in front of the service answer in plain text or HTML.
		desc = util.TruncateBytes(data)
	}
	if desc == "" {
		desc = http.StatusText(status)
	}

	retryable := status == http.StatusTooManyRequests || status >= 500
	var cause error
	if isRevokedType(rerr.Type) || status == http.StatusUnauthorized {
		cause = ErrRevoked
	}
	return errs.Provider(string(c.provider), retryable, cause, "%s failed (%d): %s", op, status, desc)
}

func isRevokedType(t string) bool {
	t = strings.ToLower(t)
	for _, marker := range []string{"invalidgrant", "invalid_grant", "accessdenied", "expiredtoken", "unauthorized"} {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}
