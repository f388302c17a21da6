//go:build integration

package testutils

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"
)

const (
	minioImage = "minio/minio:latest"
	minioUser  = "minioadmin"
)

// MinioEnv is a running Minio server holding one bucket.
type MinioEnv struct {
	Container testcontainers.Container
	BucketURL string
}

// Close terminates the container.
func (e *MinioEnv) Close(ctx context.Context) error {
	return e.Container.Terminate(ctx)
}

// OpenBucket opens the bucket through the s3blob driver.
func (e *MinioEnv) OpenBucket(ctx context.Context) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, e.BucketURL)
}

// StartMinioContainer runs Minio, creates bucket with the bundled mc client
// and points the AWS credential variables at it for the rest of the test.
func StartMinioContainer(t *testing.T, ctx context.Context, bucket string) *MinioEnv {
	t.Helper()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        minioImage,
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioUser,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio: %v", err)
	}

	mkBucket := fmt.Sprintf("mc alias set local http://127.0.0.1:9000 %s %s && mc mb --ignore-existing local/%s",
		minioUser, minioUser, bucket)
	code, out, err := c.Exec(ctx, []string{"sh", "-c", mkBucket})
	if err != nil || code != 0 {
		var msg []byte
		if out != nil {
			msg, _ = io.ReadAll(out)
		}
		_ = c.Terminate(ctx)
		t.Fatalf("create bucket %s: exit %d: %v: %s", bucket, code, err, msg)
	}

	endpoint, err := c.PortEndpoint(ctx, "9000/tcp", "http")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("minio endpoint: %v", err)
	}

	t.Setenv("AWS_ACCESS_KEY_ID", minioUser)
	t.Setenv("AWS_SECRET_ACCESS_KEY", minioUser)

	return &MinioEnv{
		Container: c,
		BucketURL: fmt.Sprintf("s3://%s?endpoint=%s&use_path_style=true&disable_https=true&region=us-east-1", bucket, endpoint),
	}
}
