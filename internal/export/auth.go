package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
)

// ErrAuthExpired marks failures caused by expired or rejected credentials.
// Callers abort the run with a re-authentication hint instead of retrying.
var ErrAuthExpired = errors.New("export credentials expired or rejected")

// CredentialsClient exchanges a personal access token for temporary AWS
// credentials via the export credentials API. It implements
// aws.CredentialsProvider; wrap it in aws.NewCredentialsCache so the SDK
// refreshes before expiry.
type CredentialsClient struct {
	endpoint string
	token    string
	duration string
	client   *http.Client

	s3Path string // hint from the last exchange, e.g. s3://bucket/v1/account_id=123
}

// NewCredentialsClient builds a client for the credentials endpoint.
// duration is the requested credential lifetime, e.g. "1h".
func NewCredentialsClient(endpoint, token, duration string, timeout time.Duration) *CredentialsClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CredentialsClient{
		endpoint: endpoint,
		token:    token,
		duration: duration,
		client:   &http.Client{Timeout: timeout},
	}
}

type exchangeResponse struct {
	Credentials struct {
		AccessKeyID     string `json:"accessKeyId"`
		SecretAccessKey string `json:"secretAccessKey"`
		SessionToken    string `json:"sessionToken"`
		Expiration      int64  `json:"expiration"` // epoch milliseconds
	} `json:"credentials"`
	S3Path string `json:"s3Path"`
}

// Retrieve implements aws.CredentialsProvider.
func (c *CredentialsClient) Retrieve(ctx context.Context) (aws.Credentials, error) {
	url := c.endpoint
	if c.duration != "" {
		url += "?duration=" + c.duration
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("build credentials request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("exchange credentials: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("read credentials response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return aws.Credentials{}, fmt.Errorf("%w: status %d from %s", ErrAuthExpired, resp.StatusCode, c.endpoint)
	default:
		return aws.Credentials{}, fmt.Errorf("credentials API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed exchangeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return aws.Credentials{}, fmt.Errorf("decode credentials response: %w", err)
	}
	if parsed.Credentials.AccessKeyID == "" || parsed.Credentials.SecretAccessKey == "" {
		return aws.Credentials{}, errors.New("credentials API returned empty keys")
	}

	c.s3Path = parsed.S3Path

	return aws.Credentials{
		AccessKeyID:     parsed.Credentials.AccessKeyID,
		SecretAccessKey: parsed.Credentials.SecretAccessKey,
		SessionToken:    parsed.Credentials.SessionToken,
		Source:          "OptimizelyExportAPI",
		CanExpire:       parsed.Credentials.Expiration > 0,
		Expires:         time.UnixMilli(parsed.Credentials.Expiration).UTC(),
	}, nil
}

// S3Path returns the bucket hint from the most recent exchange, or "" if no
// exchange has happened yet.
func (c *CredentialsClient) S3Path() string {
	return c.s3Path
}

// ParseS3Path splits an s3://bucket/prefix URI into bucket and prefix.
func ParseS3Path(s string) (bucket, prefix string, err error) {
	const scheme = "s3://"
	if !strings.HasPrefix(s, scheme) {
		return "", "", fmt.Errorf("not an s3 path: %q", s)
	}
	rest := strings.TrimPrefix(s, scheme)
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 path has no bucket: %q", s)
	}
	return bucket, prefix, nil
}

// IsAuthExpired reports whether err indicates expired or invalid credentials,
// either from the credentials API or from S3 itself.
func IsAuthExpired(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthExpired) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ExpiredToken", "ExpiredTokenException", "InvalidToken", "InvalidAccessKeyId", "AccessDenied":
			return true
		}
	}
	return false
}
