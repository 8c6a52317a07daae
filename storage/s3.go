package storage

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"

	"rare_birds/config"
	"rare_birds/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher mirrors the snapshot and the cached images it references to an
// S3-compatible bucket, keeping project-relative paths as object keys.
type S3Publisher struct {
	client      objectPutter
	bucket      string
	prefix      string
	root        string
	placeholder string

	mu       sync.Mutex
	uploaded map[string]bool
}

func NewS3Publisher(ctx context.Context, cfg config.S3Config, paths config.PathsConfig) (*S3Publisher, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return newS3Publisher(client, cfg, paths), nil
}

func newS3Publisher(client objectPutter, cfg config.S3Config, paths config.PathsConfig) *S3Publisher {
	return &S3Publisher{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		root:        paths.ProjectRoot,
		placeholder: paths.Placeholder,
		uploaded:    make(map[string]bool),
	}
}

// Publish uploads every referenced image not yet uploaded by this process,
// then the snapshot file itself so readers never see dangling image paths.
func (p *S3Publisher) Publish(ctx context.Context, snapshotPath string, snap *models.Snapshot) error {
	for _, ref := range imageRefs(snap, p.placeholder) {
		p.mu.Lock()
		done := p.uploaded[ref]
		p.mu.Unlock()
		if done {
			continue
		}

		if err := p.uploadFile(ctx, filepath.Join(p.root, filepath.FromSlash(ref)), ref); err != nil {
			log.WithError(err).WithField("image", ref).Warn("S3: image upload failed")
			continue
		}

		p.mu.Lock()
		p.uploaded[ref] = true
		p.mu.Unlock()
	}

	rel, err := filepath.Rel(p.root, snapshotPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(snapshotPath)
	}
	if err := p.uploadFile(ctx, snapshotPath, filepath.ToSlash(rel)); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	return nil
}

func (p *S3Publisher) uploadFile(ctx context.Context, localPath, rel string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := mime.TypeByExtension(path.Ext(rel))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(p.key(rel)),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (p *S3Publisher) key(rel string) string {
	if p.prefix == "" {
		return rel
	}
	return p.prefix + "/" + rel
}

// imageRefs lists the distinct cached image paths in snap, in order.
func imageRefs(snap *models.Snapshot, placeholder string) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, s := range snap.Sightings {
		ref := s.Reference.ImageRef
		if ref == "" || ref == placeholder || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}
