package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	lastKey         string
	lastContentType string
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.lastKey = *params.Key
	f.lastContentType = *params.ContentType
	return &s3.PutObjectOutput{}, nil
}

type fakePresigner struct {
	lastExpiresIn time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*s3.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.lastExpiresIn = opts.Expires
	return &s3.PresignedHTTPRequest{URL: "https://example-bucket.s3.amazonaws.com/" + *params.Key}, nil
}

func TestDeriveKeyIsPureAndScoped(t *testing.T) {
	s := NewStore(nil, nil, "bucket", "photos/", nil)

	sessionKey := s.DeriveKey("photo-1", "session-1", "")
	require.Equal(t, "photos/sessions/session-1/photo-1.jpg", sessionKey)
	require.Equal(t, sessionKey, s.DeriveKey("photo-1", "session-1", ""))

	jobKey := s.DeriveKey("photo-1", "", "job-1")
	require.Equal(t, "photos/jobs/job-1/photo-1.jpg", jobKey)

	bareKey := s.DeriveKey("photo-1", "", "")
	require.Equal(t, "photos/photo-1.jpg", bareKey)
}

func TestUploadRejectsNonImageContentType(t *testing.T) {
	fake := &fakeS3{}
	s := NewStore(fake, nil, "bucket", "photos/", nil)
	err := s.Upload(context.Background(), "photos/x.jpg", "application/pdf", []byte("data"))
	require.Error(t, err)
}

func TestUploadRejectsOversizedPayload(t *testing.T) {
	fake := &fakeS3{}
	s := NewStore(fake, nil, "bucket", "photos/", nil)
	big := make([]byte, maxUploadBytes+1)
	err := s.Upload(context.Background(), "photos/x.jpg", "image/jpeg", big)
	require.Error(t, err)
}

func TestUploadStoresUnderDerivedKey(t *testing.T) {
	fake := &fakeS3{}
	s := NewStore(fake, nil, "bucket", "photos/", nil)
	key := s.DeriveKey("photo-1", "session-1", "")
	require.NoError(t, s.Upload(context.Background(), key, "image/jpeg", []byte("data")))
	require.Equal(t, key, fake.lastKey)
	require.Equal(t, "image/jpeg", fake.lastContentType)
}

func TestPresignViewClampsTTL(t *testing.T) {
	fake := &fakePresigner{}
	s := NewStore(nil, fake, "bucket", "photos/", nil)

	_, err := s.PresignView(context.Background(), "photos/x.jpg", 0)
	require.NoError(t, err)
	require.Equal(t, defaultPresignTTL, fake.lastExpiresIn)

	_, err = s.PresignView(context.Background(), "photos/x.jpg", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, minPresignTTL, fake.lastExpiresIn)

	_, err = s.PresignView(context.Background(), "photos/x.jpg", time.Hour)
	require.NoError(t, err)
	require.Equal(t, maxPresignTTL, fake.lastExpiresIn)
}
