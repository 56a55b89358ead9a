// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package rawstore

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	uploadCount  metric.Int64Counter
	uploadBytes  metric.Int64Counter
	uploadErrors metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/chessbi/internal/rawstore")

	var err error
	uploadCount, err = meter.Int64Counter(
		"chessbi.s3.upload.count",
		metric.WithDescription("Number of raw payloads uploaded to S3"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.count counter: %w", err))
	}

	uploadBytes, err = meter.Int64Counter(
		"chessbi.s3.upload.bytes",
		metric.WithDescription("Bytes uploaded to S3"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.bytes counter: %w", err))
	}

	uploadErrors, err = meter.Int64Counter(
		"chessbi.s3.upload.errors",
		metric.WithDescription("Number of failed S3 uploads"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.errors counter: %w", err))
	}
}

// PutObjectAPI is the slice of the S3 client the sink needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes payloads as objects under bucket/prefix. A single PutObject
// replaces an object atomically.
type S3Sink struct {
	client PutObjectAPI
	bucket string
	prefix string
	tracer trace.Tracer
}

// NewS3Sink builds a sink from the default AWS credential chain.
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)
	return NewS3SinkWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func NewS3SinkWithClient(client PutObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: prefix,
		tracer: otel.Tracer("github.com/cardinalhq/chessbi/internal/rawstore"),
	}
}

func (s *S3Sink) Write(ctx context.Context, key string, data []byte) (string, error) {
	objectKey := key
	if s.prefix != "" {
		objectKey = path.Join(s.prefix, key)
	}

	ctx, span := s.tracer.Start(ctx, "rawstore.S3Sink.Write",
		trace.WithAttributes(
			attribute.String("bucketID", s.bucket),
			attribute.String("objectID", objectKey),
		),
	)
	defer span.End()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		span.RecordError(err)
		uploadErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", s.bucket)))
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, objectKey, err)
	}

	uploadCount.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", s.bucket)))
	uploadBytes.Add(ctx, int64(len(data)), metric.WithAttributes(attribute.String("bucket", s.bucket)))
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}
