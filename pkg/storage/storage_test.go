package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type apiError struct {
	code string
}

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

// mockS3 is an in-memory bucket.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &apiError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = data
	m.types[*in.Key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, &apiError{code: "NotFound"}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func stores(t *testing.T) map[string]BlobStore {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return map[string]BlobStore{
		"local":  local,
		"memory": NewMemory(),
		"s3":     NewS3(newMockS3(), "bucket", "cache", "application/octet-stream"),
	}
}

func TestBlobStores(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.Get(ctx, "v1/missing.bin"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing: expected ErrNotFound, got %v", err)
			}
			if err := s.Put(ctx, "v1/a.bin", []byte("first")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put(ctx, "v1/a.bin", []byte("second")); err != nil {
				t.Fatalf("Put overwrite: %v", err)
			}
			got, err := s.Get(ctx, "v1/a.bin")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "second" {
				t.Fatalf("Get = %q, want %q", got, "second")
			}
			ok, err := s.Exists(ctx, "v1/a.bin")
			if err != nil || !ok {
				t.Fatalf("Exists = %v, %v", ok, err)
			}

			if err := s.Put(ctx, "v1/b.bin", []byte("b")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put(ctx, "v2/a.bin", []byte("c")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			paths, err := s.List(ctx, "v1/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if !slices.Equal(paths, []string{"v1/a.bin", "v1/b.bin"}) {
				t.Fatalf("List = %v", paths)
			}

			n, err := DeletePrefix(ctx, s, "v1/")
			if err != nil {
				t.Fatalf("DeletePrefix: %v", err)
			}
			if n != 2 {
				t.Fatalf("DeletePrefix = %d, want 2", n)
			}
			ok, err = s.Exists(ctx, "v1/a.bin")
			if err != nil || ok {
				t.Fatalf("Exists after delete = %v, %v", ok, err)
			}
			if err := s.Delete(ctx, "v1/a.bin"); err != nil {
				t.Fatalf("Delete absent: %v", err)
			}
			ok, _ = s.Exists(ctx, "v2/a.bin")
			if !ok {
				t.Fatal("v2/a.bin should survive")
			}
		})
	}
}

func TestCleanPath(t *testing.T) {
	for _, p := range []string{"", "/abs", "..", "../x", "a/../../x", `a\b`} {
		if _, err := CleanPath(p); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("CleanPath(%q): expected ErrInvalidPath, got %v", p, err)
		}
	}
	got, err := CleanPath("a/./b//c.bin")
	if err != nil {
		t.Fatal(err)
	}
	if got != "a/b/c.bin" {
		t.Fatalf("CleanPath = %q, want a/b/c.bin", got)
	}
}

func TestS3PrefixAndContentType(t *testing.T) {
	mock := newMockS3()
	s := NewS3(mock, "bucket", "/tiles/", "application/x-test")
	if err := s.Put(context.Background(), "v1/x.bin", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, ok := mock.objects["tiles/v1/x.bin"]; !ok {
		t.Fatalf("objects = %v, want key tiles/v1/x.bin", mock.objects)
	}
	if ct := mock.types["tiles/v1/x.bin"]; ct != "application/x-test" {
		t.Fatalf("ContentType = %q", ct)
	}
}

func TestS3PutError(t *testing.T) {
	mock := newMockS3()
	mock.putErr = errors.New("upload failed")
	s := NewS3(mock, "bucket", "", "")
	err := s.Put(context.Background(), "x", []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "upload failed") {
		t.Fatalf("Put error = %v", err)
	}
}

func TestIsS3NotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NoSuchKey", &apiError{code: "NoSuchKey"}, true},
		{"NotFound", &apiError{code: "NotFound"}, true},
		{"other api error", &apiError{code: "AccessDenied"}, false},
		{"plain error", errors.New("timeout"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isS3NotFound(tt.err); got != tt.want {
				t.Fatalf("isS3NotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewS3Client(t *testing.T) {
	c := NewS3Client(S3Config{Bucket: "b", Endpoint: "http://localhost:9000", PathStyle: true})
	if c == nil {
		t.Fatal("NewS3Client returned nil")
	}
	if o := c.Options(); !o.UsePathStyle || o.Region != "us-east-1" {
		t.Fatalf("Options = %+v", o)
	}
}
