// Package s3 provides a storagedriver.Driver implementation backed by
// Amazon S3 (or an S3-compatible object store), for deployments that want
// package manifests and tarballs on shared object storage rather than a
// single node's local disk.
//
// S3 only guarantees read-after-write consistency for new keys, not
// read-after-update — a PutObject immediately followed by a GetObject for
// the same key from a different process may still observe stale bytes.
// Local Store callers that need strict read-your-write behavior within a
// single update_manifest call get it for free, since that call already
// reads, then writes, then returns without an intervening read from
// elsewhere.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/pkgvault/pkgvault/storagedriver"
)

// DriverName is the storage backend type string used in configuration.
const DriverName = "s3"

// defaultChunkSize is the part size the uploader uses; content larger than
// this is sent as a multipart upload.
const defaultChunkSize = 10 * 1024 * 1024

// Parameters configures a Driver.
type Parameters struct {
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string
	RegionEndpoint string
	ForcePathStyle bool
	Secure         bool
	RootDirectory  string
}

// FromParameters builds Parameters from a configuration.Parameters map, as
// produced by Storage.Parameters() for the "s3" backend.
func FromParameters(params map[string]interface{}) (Parameters, error) {
	p := Parameters{Secure: true}

	bucket, ok := params["bucket"].(string)
	if !ok || bucket == "" {
		return p, fmt.Errorf("s3 storage: no bucket parameter provided")
	}
	p.Bucket = bucket

	if v, ok := params["region"].(string); ok {
		p.Region = v
	}
	if v, ok := params["regionendpoint"].(string); ok {
		p.RegionEndpoint = v
	}
	if v, ok := params["accesskey"].(string); ok {
		p.AccessKey = v
	}
	if v, ok := params["secretkey"].(string); ok {
		p.SecretKey = v
	}
	if v, ok := params["rootdirectory"].(string); ok {
		p.RootDirectory = v
	}
	if v, ok := params["forcepathstyle"].(bool); ok {
		p.ForcePathStyle = v
	}
	if v, ok := params["secure"].(bool); ok {
		p.Secure = v
	}

	return p, nil
}

// Driver is a storagedriver.Driver implementation backed by an S3 bucket.
type Driver struct {
	s3        *s3.S3
	uploader  *s3manager.Uploader
	bucket    string
	root      string
}

// New constructs a Driver from the given Parameters.
func New(params Parameters) (*Driver, error) {
	awsConfig := aws.NewConfig()
	if params.Region != "" {
		awsConfig.WithRegion(params.Region)
	}
	if params.RegionEndpoint != "" {
		awsConfig.WithEndpoint(params.RegionEndpoint)
	}
	awsConfig.WithDisableSSL(!params.Secure)
	awsConfig.WithS3ForcePathStyle(params.ForcePathStyle)

	if params.AccessKey != "" || params.SecretKey != "" {
		awsConfig.WithCredentials(credentials.NewStaticCredentials(
			params.AccessKey, params.SecretKey, ""))
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("s3 storage: creating session: %w", err)
	}

	return &Driver{
		s3:       s3.New(sess),
		uploader: s3manager.NewUploader(sess, func(u *s3manager.Uploader) { u.PartSize = defaultChunkSize }),
		bucket:   params.Bucket,
		root:     strings.Trim(params.RootDirectory, "/"),
	}, nil
}

// Name implements storagedriver.Driver.
func (d *Driver) Name() string { return DriverName }

func (d *Driver) key(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if d.root == "" {
		return trimmed
	}
	return d.root + "/" + trimmed
}

// GetContent implements storagedriver.Driver.
func (d *Driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	rc, err := d.Reader(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// PutContent implements storagedriver.Driver through the s3manager
// uploader: one PutObject for content up to defaultChunkSize, a multipart
// upload above it. Either way readers see the whole object or none of it.
func (d *Driver) PutContent(ctx context.Context, path string, content []byte) error {
	_, err := d.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return fmt.Errorf("s3 storage: put %s: %w", path, err)
	}
	return nil
}

// Reader implements storagedriver.Driver.
func (d *Driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	out, err := d.s3.GetObjectWithContext(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, storagedriver.PathNotFoundError{Path: path, Driver: DriverName}
		}
		return nil, fmt.Errorf("s3 storage: get %s: %w", path, err)
	}
	return out.Body, nil
}

// Writer implements storagedriver.Driver. The returned Writer buffers
// content in memory and uploads it through PutContent on Commit, so a
// Cancel (or a crash before Commit) never leaves a partial object visible
// at path.
func (d *Driver) Writer(ctx context.Context, path string) (storagedriver.Writer, error) {
	return &s3Writer{ctx: ctx, driver: d, path: path}, nil
}

type s3Writer struct {
	ctx    context.Context
	driver *Driver
	path   string
	buf    bytes.Buffer
	closed bool
}

func (w *s3Writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *s3Writer) Size() int64 { return int64(w.buf.Len()) }

func (w *s3Writer) Commit() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.driver.PutContent(w.ctx, w.path, w.buf.Bytes())
}

func (w *s3Writer) Cancel() error {
	w.closed = true
	w.buf.Reset()
	return nil
}

// List implements storagedriver.Driver.
func (d *Driver) List(ctx context.Context, path string) ([]string, error) {
	prefix := strings.TrimSuffix(d.key(path), "/") + "/"

	var entries []string
	err := d.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			entries = append(entries, "/"+strings.TrimPrefix(aws.StringValue(obj.Key), d.root+"/"))
		}
		for _, common := range page.CommonPrefixes {
			entries = append(entries, "/"+strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(common.Prefix), d.root+"/"), "/"))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("s3 storage: list %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, storagedriver.PathNotFoundError{Path: path, Driver: DriverName}
	}
	return entries, nil
}

// Delete implements storagedriver.Driver, recursively removing every
// object under path in batches.
func (d *Driver) Delete(ctx context.Context, path string) error {
	prefix := strings.TrimSuffix(d.key(path), "/") + "/"

	var toDelete []*s3.ObjectIdentifier
	err := d.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			toDelete = append(toDelete, &s3.ObjectIdentifier{Key: obj.Key})
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("s3 storage: listing for delete %s: %w", path, err)
	}

	// A bare file (e.g. a single tarball) has no trailing-slash children;
	// fall back to deleting the exact key.
	if len(toDelete) == 0 {
		toDelete = append(toDelete, &s3.ObjectIdentifier{Key: aws.String(d.key(path))})
	}

	const batchSize = 1000
	for i := 0; i < len(toDelete); i += batchSize {
		end := i + batchSize
		if end > len(toDelete) {
			end = len(toDelete)
		}
		_, err := d.s3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.bucket),
			Delete: &s3.Delete{Objects: toDelete[i:end]},
		})
		if err != nil {
			return fmt.Errorf("s3 storage: delete %s: %w", path, err)
		}
	}

	return nil
}

// Move implements storagedriver.Driver as a server-side CopyObject followed
// by a Delete of the source key.
func (d *Driver) Move(ctx context.Context, sourcePath, destPath string) error {
	source := fmt.Sprintf("%s/%s", d.bucket, d.key(sourcePath))
	_, err := d.s3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		CopySource: aws.String(source),
		Key:        aws.String(d.key(destPath)),
	})
	if err != nil {
		if isNotFound(err) {
			return storagedriver.PathNotFoundError{Path: sourcePath, Driver: DriverName}
		}
		return fmt.Errorf("s3 storage: copy %s -> %s: %w", sourcePath, destPath, err)
	}

	_, err = d.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(sourcePath)),
	})
	return err
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
