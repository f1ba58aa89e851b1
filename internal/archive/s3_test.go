package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	puts   map[string][]byte
	putErr error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://s3.example/" + *in.Bucket + "/" + *in.Key + "?X-Amz-Signature=x", Method: "GET"}, nil
}

func TestExportUploadsSnapshot(t *testing.T) {
	fake := &fakeS3{puts: map[string][]byte{}}
	e := &S3Exporter{client: fake, presigner: fake, bucket: "snapshots", expiry: DefaultURLExpiry}

	snap := &model.Snapshot{
		Height:  42,
		Params:  model.GlobalParams{ContractOwner: "did:example:admin", PlatformFeeRateBPS: 25, MinAccessPrice: 1000},
		Devices: []model.Device{{ID: "d1", Owner: "did:example:alice"}},
	}
	out, err := e.Export(context.Background(), snap)
	require.NoError(t, err)

	assert.Equal(t, uint64(42), out.Height)
	assert.True(t, strings.HasPrefix(out.Key, "snapshots/"))
	assert.Contains(t, out.Key, "00000000000000000042-")
	assert.Contains(t, out.DownloadURL, out.Key)

	var stored model.Snapshot
	require.NoError(t, json.Unmarshal(fake.puts[out.Key], &stored))
	assert.Equal(t, *snap, stored)
}

func TestExportUploadFailure(t *testing.T) {
	fake := &fakeS3{puts: map[string][]byte{}, putErr: errors.New("access denied")}
	e := &S3Exporter{client: fake, presigner: fake, bucket: "snapshots", expiry: DefaultURLExpiry}

	_, err := e.Export(context.Background(), &model.Snapshot{})
	assert.Error(t, err)
}
