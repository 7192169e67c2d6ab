package uploader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHTTPUploaderSendsMultipartForm(t *testing.T) {
	payload := []byte("not really gzip, just bytes")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("failed to parse multipart form: %v", err)
			return
		}
		if got := r.FormValue("observer"); got != "alice" {
			t.Errorf("expected observer alice, got %q", got)
		}
		if got := r.FormValue("password"); got != "secret" {
			t.Errorf("expected password secret, got %q", got)
		}
		file, header, err := r.FormFile("stumblefile")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			return
		}
		defer file.Close()
		if header.Filename != "WigleWifi_20240315120000.csv.gz" {
			t.Errorf("unexpected filename %q", header.Filename)
		}
		got, _ := io.ReadAll(file)
		if !bytes.Equal(got, payload) {
			t.Errorf("file content mismatch")
		}
		if ua := r.Header.Get("User-Agent"); ua != "stumble-exporter/test" {
			t.Errorf("unexpected user agent %q", ua)
		}
		_, _ = io.WriteString(w, "<html>file uploaded successfully</html>")
	}))
	defer server.Close()

	u := NewHTTPUploader(5*time.Second, "stumble-exporter/test", newTestLogger())
	body, err := u.Upload(context.Background(), Request{
		Endpoint:  server.URL,
		Filename:  "WigleWifi_20240315120000.csv.gz",
		FieldName: "stumblefile",
		File:      bytes.NewReader(payload),
		Fields:    map[string]string{"observer": "alice", "password": "secret"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "uploaded successfully") {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHTTPUploaderReturnsBodyRegardlessOfStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "password does not match login")
	}))
	defer server.Close()

	u := NewHTTPUploader(5*time.Second, "", newTestLogger())
	body, err := u.Upload(context.Background(), Request{
		Endpoint:  server.URL,
		Filename:  "a.csv.gz",
		FieldName: "stumblefile",
		File:      strings.NewReader("x"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if body != "password does not match login" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHTTPUploaderTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	u := NewHTTPUploader(time.Second, "", newTestLogger())
	_, err := u.Upload(context.Background(), Request{
		Endpoint:  url,
		Filename:  "a.csv.gz",
		FieldName: "stumblefile",
		File:      strings.NewReader("x"),
	})
	if err == nil {
		t.Fatal("expected transport error")
	}
}

func TestHTTPUploaderHonorsContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	u := NewHTTPUploader(0, "", newTestLogger())
	_, err := u.Upload(ctx, Request{
		Endpoint:  server.URL,
		Filename:  "a.csv.gz",
		FieldName: "stumblefile",
		File:      strings.NewReader("x"),
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	u := NewHTTPUploader(time.Second, "", newTestLogger())
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no endpoint", Request{Filename: "f", FieldName: "x", File: strings.NewReader("")}, ErrEndpointRequired},
		{"no filename", Request{Endpoint: "http://h", FieldName: "x", File: strings.NewReader("")}, ErrFilenameRequired},
		{"no field", Request{Endpoint: "http://h", Filename: "f", File: strings.NewReader("")}, ErrFieldNameRequired},
		{"no file", Request{Endpoint: "http://h", Filename: "f", FieldName: "x"}, ErrFileRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := u.Upload(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPathTemplate(t *testing.T) {
	ts := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		template string
		expected string
	}{
		{"{observer}/{YYYY}/{MM}", "alice/2024/03/WigleWifi_x.csv.gz"},
		{"exports/{YYYY}/{MM}/{DD}/{HH}/", "exports/2024/03/15/09/WigleWifi_x.csv.gz"},
		{"", "WigleWifi_x.csv.gz"},
	}
	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			got := NewPathTemplate(tt.template).Key("alice", ts, "WigleWifi_x.csv.gz")
			if got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

type fakeS3Uploader struct {
	inputs []*s3manager.UploadInput
	body   []byte
	err    error
}

func (f *fakeS3Uploader) Upload(in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(context.Background(), in)
}

func (f *fakeS3Uploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	f.body, _ = io.ReadAll(in.Body)
	return &s3manager.UploadOutput{Location: "s3://" + aws.StringValue(in.Bucket) + "/" + aws.StringValue(in.Key)}, nil
}

func TestS3Mirror(t *testing.T) {
	fake := &fakeS3Uploader{}
	mirror, err := NewS3MirrorWithUploader(fake, S3Config{Bucket: "wifi-archive"}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}

	key := mirror.Template().Key("alice", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), "WigleWifi_x.csv.gz")
	loc, err := mirror.Mirror(context.Background(), key, strings.NewReader("gz"))
	if err != nil {
		t.Fatal(err)
	}
	if loc != "s3://wifi-archive/alice/2024/03/WigleWifi_x.csv.gz" {
		t.Errorf("unexpected location %s", loc)
	}
	if string(fake.body) != "gz" {
		t.Errorf("unexpected body %q", fake.body)
	}

	fake.err = errors.New("access denied")
	if _, err := mirror.Mirror(context.Background(), key, strings.NewReader("gz")); err == nil {
		t.Fatal("expected mirror error")
	}
}

func TestS3MirrorRequiresBucket(t *testing.T) {
	if _, err := NewS3MirrorWithUploader(&fakeS3Uploader{}, S3Config{}, newTestLogger()); !errors.Is(err, ErrS3BucketRequired) {
		t.Fatalf("expected ErrS3BucketRequired, got %v", err)
	}
	if _, err := NewS3Mirror(S3Config{}, newTestLogger()); !errors.Is(err, ErrS3NotConfigured) {
		t.Fatalf("expected ErrS3NotConfigured, got %v", err)
	}
}
