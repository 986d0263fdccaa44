package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

var tracer = otel.Tracer("gatekeeper/audit")

// archivePageSize bounds each read while building an archive object
const archivePageSize = 500

// ObjectPutter is the subset of the S3 client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// EventLister reads entitlement events
type EventLister interface {
	List(ctx context.Context, filter EventFilter) ([]*EntitlementEvent, error)
}

// S3Config configures the archive bucket
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// NewS3Client builds an S3 client. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// archiveRecord is one line of an archive object
type archiveRecord struct {
	Kind        string            `json:"kind"`
	AuditEvent  *AuditEvent       `json:"audit_event,omitempty"`
	Entitlement *EntitlementEvent `json:"entitlement_event,omitempty"`
}

// ArchiveResult describes one uploaded archive object
type ArchiveResult struct {
	Key               string `json:"key"`
	AuditEvents       int    `json:"audit_events"`
	EntitlementEvents int    `json:"entitlement_events"`
	Bytes             int    `json:"bytes"`
	Checksum          string `json:"checksum_sha256"`
}

// S3Archiver copies audit and entitlement events to object storage as
// newline-delimited JSON
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	audit  Searcher
	events EventLister
	clock  quartz.Clock
	logger *observability.Logger
}

// NewS3Archiver creates an archiver. prefix defaults to "audit".
func NewS3Archiver(client ObjectPutter, cfg S3Config, audit Searcher, events EventLister, clock quartz.Clock, logger *observability.Logger) *S3Archiver {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "audit"
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		audit:  audit,
		events: events,
		clock:  clock,
		logger: observability.OrNop(logger),
	}
}

// ObjectKey returns the key for an archive object written at t
func (a *S3Archiver) ObjectKey(t time.Time, id string) string {
	t = t.UTC()
	return path.Join(a.prefix, t.Format("2006"), t.Format("01"), t.Format("02"), id+".jsonl")
}

// Archive uploads every event in [since, until) as a single object. An
// empty window uploads nothing and returns a nil result.
func (a *S3Archiver) Archive(ctx context.Context, since, until time.Time) (*ArchiveResult, error) {
	ctx, span := tracer.Start(ctx, "audit.Archive",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("archive.since", since.UTC().Format(time.RFC3339)),
			attribute.String("archive.until", until.UTC().Format(time.RFC3339)),
		),
	)
	defer span.End()

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	result := &ArchiveResult{}

	if a.audit != nil {
		// EndTime is inclusive on search, so stop just short of until.
		end := until.Add(-time.Nanosecond)
		for offset := 0; ; offset += archivePageSize {
			page, err := a.audit.Search(ctx, &SearchFilter{
				StartTime: &since,
				EndTime:   &end,
				Ascending: true,
				Limit:     archivePageSize,
				Offset:    offset,
			})
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to read audit events")
				return nil, fmt.Errorf("failed to read audit events: %w", err)
			}
			for _, e := range page {
				if err := encoder.Encode(archiveRecord{Kind: "audit", AuditEvent: e}); err != nil {
					return nil, fmt.Errorf("failed to encode audit event: %w", err)
				}
			}
			result.AuditEvents += len(page)
			if len(page) < archivePageSize {
				break
			}
		}
	}

	if a.events != nil {
		for offset := 0; ; offset += archivePageSize {
			page, err := a.events.List(ctx, EventFilter{
				Since:  &since,
				Until:  &until,
				Limit:  archivePageSize,
				Offset: offset,
			})
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to read entitlement events")
				return nil, fmt.Errorf("failed to read entitlement events: %w", err)
			}
			for _, e := range page {
				if err := encoder.Encode(archiveRecord{Kind: "entitlement", Entitlement: e}); err != nil {
					return nil, fmt.Errorf("failed to encode entitlement event: %w", err)
				}
			}
			result.EntitlementEvents += len(page)
			if len(page) < archivePageSize {
				break
			}
		}
	}

	if buf.Len() == 0 {
		a.logger.WithField("since", since).Debug("Nothing to archive")
		return nil, nil
	}

	data := buf.Bytes()
	hash := sha256.Sum256(data)
	result.Checksum = hex.EncodeToString(hash[:])
	result.Bytes = len(data)
	result.Key = a.ObjectKey(a.clock.Now(), uuid.New().String())

	span.SetAttributes(attribute.String("s3.key", result.Key), attribute.Int("content.size", len(data)))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(result.Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"checksum-sha256": result.Checksum,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload archive")
		return nil, fmt.Errorf("failed to upload archive: %w", err)
	}

	a.logger.WithFields(map[string]interface{}{
		"key":                result.Key,
		"audit_events":       result.AuditEvents,
		"entitlement_events": result.EntitlementEvents,
	}).Info("Archived audit events")
	span.SetStatus(codes.Ok, "")
	return result, nil
}
