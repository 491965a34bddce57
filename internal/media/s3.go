package media

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// RefPrefix marks a media reference stored in the bucket instead of a URL.
const RefPrefix = "s3://"

// S3Config holds the bucket the funnel assets live in.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string        // when set, objects are served from here instead of presigned
	URLTTL    time.Duration // lifetime of presigned URLs
}

// Store resolves and uploads funnel media (intro audios, offer documents).
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	config  S3Config
	now     func() time.Time
}

// NewStore builds an S3 client from static credentials.
func NewStore(config S3Config) (*Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}
	if config.AccessKey == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	if config.URLTTL <= 0 {
		config.URLTTL = time.Hour
	}

	endpoint := config.Endpoint
	// Clean endpoint if it contains bucket name (common misconfiguration)
	if endpoint != "" && strings.Contains(endpoint, config.Bucket+".") {
		endpoint = strings.Replace(endpoint, config.Bucket+".", "", 1)
		log.Warn().
			Str("cleanedEndpoint", endpoint).
			Str("bucket", config.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
		config.Endpoint = endpoint
	}

	// Force path-style for buckets with dots in their names to avoid SSL certificate issues
	if strings.Contains(config.Bucket, ".") {
		config.PathStyle = true
	}

	cfg := aws.Config{
		Region:      config.Region,
		Credentials: credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = config.PathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info().
		Str("bucket", config.Bucket).
		Str("region", config.Region).
		Str("endpoint", endpoint).
		Bool("usePathStyle", config.PathStyle).
		Msg("S3 media store initialized")

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		config:  config,
		now:     time.Now,
	}, nil
}

// Resolve turns a media reference into a URL WhatsApp can fetch. Plain URLs
// pass through unchanged.
func (m *Store) Resolve(ctx context.Context, ref string) (string, error) {
	key, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok {
		return ref, nil
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("empty S3 media reference %q", ref)
	}

	if m.config.PublicURL != "" {
		return m.PublicURL(key), nil
	}

	req, err := m.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.config.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(m.config.URLTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// PublicURL generates the public URL of an object.
func (m *Store) PublicURL(key string) string {
	if m.config.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.config.PublicURL, "/"), m.config.Bucket, key)
	}

	endpoint := m.config.Endpoint
	switch {
	case endpoint == "" || strings.Contains(endpoint, "amazonaws.com"):
		if m.config.PathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", m.config.Region, m.config.Bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", m.config.Bucket, m.config.Region, key)
	case m.config.PathStyle:
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), m.config.Bucket, key)
	default:
		endpointClean := strings.TrimPrefix(endpoint, "https://")
		endpointClean = strings.TrimPrefix(endpointClean, "http://")
		return fmt.Sprintf("https://%s.%s/%s", m.config.Bucket, strings.TrimRight(endpointClean, "/"), key)
	}
}

// AssetKey builds the object key for an uploaded funnel asset.
func (m *Store) AssetKey(name, mimeType string) string {
	folder := "documents"
	switch {
	case strings.HasPrefix(mimeType, "audio/"):
		folder = "audio"
	case strings.HasPrefix(mimeType, "image/"):
		folder = "images"
	case strings.HasPrefix(mimeType, "video/"):
		folder = "videos"
	}
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = fmt.Sprintf("asset-%d", m.now().Unix())
	}
	return fmt.Sprintf("funnel/%s/%s/%s", folder, m.now().UTC().Format("2006/01"), name)
}

// Upload stores an asset and returns its s3:// reference.
func (m *Store) Upload(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	key := m.AssetKey(name, mimeType)

	input := &s3.PutObjectInput{
		Bucket:       aws.String(m.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(mimeType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(mimeType, "audio/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := m.client.PutObject(ctx, input); err != nil {
		log.Error().Str("key", key).Str("bucket", m.config.Bucket).Str("mimeType", mimeType).Int("size", len(data)).Err(err).Msg("Failed to upload file to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Info().Str("key", key).Str("bucket", m.config.Bucket).Str("mimeType", mimeType).Int("size", len(data)).Msg("File successfully uploaded to S3")
	return RefPrefix + key, nil
}

// TestConnection lists at most one object to check credentials and bucket.
func (m *Store) TestConnection(ctx context.Context) error {
	_, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(m.config.Bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}

// Passthrough resolves only plain URLs. Used when no bucket is configured.
type Passthrough struct{}

func (Passthrough) Resolve(_ context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, RefPrefix) {
		return "", fmt.Errorf("media reference %q needs S3 configuration", ref)
	}
	return ref, nil
}
