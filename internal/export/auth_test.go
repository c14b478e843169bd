package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRetrieveParsesCredentials(t *testing.T) {
	expiry := time.Now().Add(time.Hour).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-pat" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("duration"); got != "1h" {
			t.Errorf("duration = %q", got)
		}
		fmt.Fprintf(w, `{
			"credentials": {
				"accessKeyId": "AKIATEST",
				"secretAccessKey": "secret",
				"sessionToken": "token",
				"expiration": %d
			},
			"s3Path": "s3://optimizely-export/v1/account_id=123"
		}`, expiry)
	}))
	defer srv.Close()

	client := NewCredentialsClient(srv.URL, "test-pat", "1h", 5*time.Second)
	creds, err := client.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if creds.AccessKeyID != "AKIATEST" || creds.SecretAccessKey != "secret" || creds.SessionToken != "token" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
	if !creds.CanExpire {
		t.Error("credentials should carry an expiry")
	}
	if got := creds.Expires.UnixMilli(); got != expiry {
		t.Errorf("Expires = %d, want %d", got, expiry)
	}
	if client.S3Path() != "s3://optimizely-export/v1/account_id=123" {
		t.Errorf("S3Path = %q", client.S3Path())
	}
}

func TestRetrieveAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewCredentialsClient(srv.URL, "stale-pat", "1h", 5*time.Second)
	_, err := client.Retrieve(context.Background())
	if !errors.Is(err, ErrAuthExpired) {
		t.Errorf("expected ErrAuthExpired, got %v", err)
	}
	if !IsAuthExpired(err) {
		t.Error("IsAuthExpired should report true")
	}
}

func TestRetrieveServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewCredentialsClient(srv.URL, "pat", "1h", 5*time.Second)
	_, err := client.Retrieve(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrAuthExpired) {
		t.Error("5xx is not an auth failure")
	}
}

func TestParseS3Path(t *testing.T) {
	bucket, prefix, err := ParseS3Path("s3://my-bucket/v1/account_id=42")
	if err != nil {
		t.Fatalf("ParseS3Path failed: %v", err)
	}
	if bucket != "my-bucket" || prefix != "v1/account_id=42" {
		t.Errorf("got %q %q", bucket, prefix)
	}

	bucket, prefix, err = ParseS3Path("s3://only-bucket")
	if err != nil {
		t.Fatalf("ParseS3Path failed: %v", err)
	}
	if bucket != "only-bucket" || prefix != "" {
		t.Errorf("got %q %q", bucket, prefix)
	}

	if _, _, err := ParseS3Path("gs://wrong-scheme/x"); err == nil {
		t.Error("expected error for non-s3 scheme")
	}
}
