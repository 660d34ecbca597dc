package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/duckmesh/duckpipe/internal/storage"
)

func TestPutUsesPrefixAndNormalizedKey(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "duckpipe/prod", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	_, err = store.Put(context.Background(), "/exports/yellow_cab/part.0.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{ContentType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.lastPutBucket != "bucket-a" {
		t.Fatalf("bucket = %q", fake.lastPutBucket)
	}
	if fake.lastPutKey != "duckpipe/prod/exports/yellow_cab/part.0.parquet" {
		t.Fatalf("key = %q", fake.lastPutKey)
	}
}

func TestPutRejectsPathTraversal(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	_, err = store.Put(context.Background(), "../secrets.txt", bytes.NewBufferString("x"), 1, storage.PutOptions{})
	if err == nil {
		t.Fatal("expected path traversal validation error")
	}
}

func TestNewStoreCreatesMissingBucketWhenAsked(t *testing.T) {
	cfg := Config{
		Endpoint:         "localhost:9000",
		Bucket:           "yellow-cab",
		AccessKeyID:      "key",
		SecretAccessKey:  "secret",
		AutoCreateBucket: true,
	}

	missing := &fakeClient{bucketExists: false}
	if _, err := newStore(context.Background(), cfg, missing); err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	if !missing.createBucketCalled {
		t.Fatal("expected CreateBucket to be called")
	}

	existing := &fakeClient{bucketExists: true}
	if _, err := newStore(context.Background(), cfg, existing); err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	if existing.createBucketCalled {
		t.Fatal("CreateBucket called for existing bucket")
	}

	cfg.AutoCreateBucket = false
	untouched := &fakeClient{bucketExists: false}
	if _, err := newStore(context.Background(), cfg, untouched); err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	if untouched.createBucketCalled {
		t.Fatal("CreateBucket called without AutoCreateBucket")
	}
}

func TestDeleteIgnoresMissingObject(t *testing.T) {
	fake := &fakeClient{deleteErr: storage.ErrObjectNotFound}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if err := store.Delete(context.Background(), "missing/part.0.parquet"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func TestListStripsStorePrefix(t *testing.T) {
	fake := &fakeClient{listObjects: []storage.ObjectInfo{
		{Key: "mirror/taxi_data/taxi_00.csv", Size: 10},
		{Key: "mirror/taxi_data/taxi_01.csv", Size: 12},
	}}
	store, err := NewWithClient("blazingsql-colab", "mirror", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	objects, err := store.List(context.Background(), "taxi_data/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if fake.lastListPrefix != "mirror/taxi_data/" {
		t.Fatalf("list prefix = %q", fake.lastListPrefix)
	}
	if len(objects) != 2 || objects[0].Key != "taxi_data/taxi_00.csv" {
		t.Fatalf("objects = %+v", objects)
	}
}

func TestListRejectsTraversal(t *testing.T) {
	store, err := NewWithClient("bucket-a", "", &fakeClient{})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if _, err := store.List(context.Background(), "../other/"); err == nil {
		t.Fatal("expected traversal validation error")
	}
}

func TestGetMapsNotFound(t *testing.T) {
	store, err := NewWithClient("bucket-a", "", &fakeClient{getErr: storage.ErrObjectNotFound})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	_, err = store.Get(context.Background(), "taxi_data/missing.csv")
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() error = %v, want ErrObjectNotFound", err)
	}
}

func TestConfigAnonymous(t *testing.T) {
	if !(Config{Bucket: "blazingsql-colab"}).Anonymous() {
		t.Fatal("expected config without keys to be anonymous")
	}
	if (Config{AccessKeyID: "abc", SecretAccessKey: "def"}).Anonymous() {
		t.Fatal("expected config with keys to be signed")
	}
}

func TestNewSkipsBucketCreationForAnonymousAccess(t *testing.T) {
	store, err := New(context.Background(), Config{
		Endpoint:         "s3.amazonaws.com",
		Region:           "us-east-1",
		Bucket:           "blazingsql-colab",
		UseSSL:           true,
		AutoCreateBucket: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if store.Bucket() != "blazingsql-colab" {
		t.Fatalf("Bucket() = %q", store.Bucket())
	}
}

func TestParseEndpoint(t *testing.T) {
	endpoint, secure, err := parseEndpoint("https://minio.example.com", false)
	if err != nil {
		t.Fatalf("parseEndpoint() error = %v", err)
	}
	if endpoint != "minio.example.com" || !secure {
		t.Fatalf("endpoint/secure = %q/%v", endpoint, secure)
	}
}

type fakeClient struct {
	lastPutBucket      string
	lastPutKey         string
	bucketExists       bool
	createBucketCalled bool
	deleteErr          error
	getErr             error
	listObjects        []storage.ObjectInfo
	lastListPrefix     string
}

func (f *fakeClient) Put(_ context.Context, bucket, key string, reader io.Reader, size int64, _ string) (storage.ObjectInfo, error) {
	f.lastPutBucket = bucket
	f.lastPutKey = key
	_, _ = io.Copy(io.Discard, reader)
	return storage.ObjectInfo{Key: key, Size: size, ETag: "etag-1"}, nil
}

func (f *fakeClient) Get(_ context.Context, _, key string) (io.ReadCloser, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return io.NopCloser(strings.NewReader(key)), nil
}

func (f *fakeClient) Stat(_ context.Context, _, key string) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{Key: key, Size: 10, LastModified: time.Now().UTC()}, nil
}

func (f *fakeClient) Delete(_ context.Context, _, _ string) error {
	return f.deleteErr
}

func (f *fakeClient) List(_ context.Context, _, prefix string) ([]storage.ObjectInfo, error) {
	f.lastListPrefix = prefix
	return append([]storage.ObjectInfo(nil), f.listObjects...), nil
}

func (f *fakeClient) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeClient) CreateBucket(_ context.Context, _, _ string) error {
	f.createBucketCalled = true
	return nil
}
