package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-reconciler/pkg/logger"
)

type object struct {
	data     []byte
	ctype    string
	modified time.Time
}

type fakeS3 struct {
	objects map[string]object
	putErr  error
}

func newFake() *fakeS3 { return &fakeS3{objects: map[string]object{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = object{data: data, ctype: aws.ToString(in.ContentType), modified: time.Now()}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for k, obj := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k), LastModified: aws.Time(obj.modified)})
		}
	}
	return out, nil
}

func TestS3Storage_StoreGetDelete(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	st := New(fake, "bucket", logger.NewTestLogger())

	require.NoError(t, st.Store(ctx, "customer-documents/c1/1_id_card.jpg", strings.NewReader("img"), 3, "image/jpeg"))
	assert.Equal(t, "image/jpeg", fake.objects["customer-documents/c1/1_id_card.jpg"].ctype)

	rc, err := st.Get(ctx, "customer-documents/c1/1_id_card.jpg")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "img", string(data))

	require.NoError(t, st.Delete(ctx, "customer-documents/c1/1_id_card.jpg"))
	_, err = st.Get(ctx, "customer-documents/c1/1_id_card.jpg")
	var nsk *types.NoSuchKey
	assert.True(t, errors.As(err, &nsk))
}

func TestS3Storage_StoreError(t *testing.T) {
	fake := newFake()
	fake.putErr = errors.New("access denied")
	log := logger.NewTestLogger()
	err := New(fake, "bucket", log).Store(context.Background(), "k", strings.NewReader("x"), -1, "")
	assert.ErrorContains(t, err, "access denied")
	assert.True(t, log.HasEntry("ERROR", "Failed to store file to S3"))
}

func TestS3Storage_CleanupBefore(t *testing.T) {
	fake := newFake()
	old := time.Now().Add(-48 * time.Hour)
	fake.objects["intake/s1/a.jpg"] = object{modified: old}
	fake.objects["intake/s1/b.jpg"] = object{modified: time.Now()}
	fake.objects["customer-documents/c1/x.jpg"] = object{modified: old}

	n, err := New(fake, "bucket", logger.NewTestLogger()).
		CleanupBefore(context.Background(), "intake/", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, fake.objects, 2)
	assert.Contains(t, fake.objects, "customer-documents/c1/x.jpg")
}
