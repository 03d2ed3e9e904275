// Package archive stores polled flow table snapshots in an S3 bucket, one
// JSON object per device and poll.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/birdayz/flowcore/kflow"
	"github.com/birdayz/flowcore/kserde"
	flowlog "github.com/birdayz/flowcore/pkg/log"
	"github.com/jonboulle/clockwork"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

// Snapshot is the archived form of one poll.
type Snapshot struct {
	DeviceID kflow.DeviceID    `json:"device_id"`
	TakenAt  time.Time         `json:"taken_at"`
	Entries  []kflow.FlowEntry `json:"entries"`
}

var snapshotSerde = kserde.JSON[Snapshot]()

type S3Archiver struct {
	log    *slog.Logger
	client *minio.Client
	clock  clockwork.Clock
	bucket string
	prefix string
}

type Option func(*S3Archiver)

var WithLog = func(log *slog.Logger) Option {
	return func(a *S3Archiver) {
		a.log = log
	}
}

var WithClock = func(clock clockwork.Clock) Option {
	return func(a *S3Archiver) {
		a.clock = clock
	}
}

// NewS3Archiver connects to the endpoint and creates the bucket if needed.
func NewS3Archiver(ctx context.Context, cfg Config, opts ...Option) (*S3Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, existsErr := client.BucketExists(ctx, cfg.Bucket)
		if existsErr != nil || !exists {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	a := &S3Archiver{
		log:    flowlog.Nop(),
		client: client,
		clock:  clockwork.NewRealClock(),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *S3Archiver) Archive(ctx context.Context, device kflow.DeviceID, entries []kflow.FlowEntry) error {
	snap := Snapshot{DeviceID: device, TakenAt: a.clock.Now().UTC(), Entries: entries}
	b, err := snapshotSerde.Serializer(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	name := objectName(a.prefix, device, snap.TakenAt)
	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	a.log.Debug("Archived snapshot", "device", device, "object", name, "entries", len(entries))
	return nil
}

// Latest returns the most recent snapshot of device.
func (a *S3Archiver) Latest(ctx context.Context, device kflow.DeviceID) (Snapshot, bool, error) {
	var latest string
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    devicePrefix(a.prefix, device),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return Snapshot{}, false, fmt.Errorf("list snapshots: %w", obj.Err)
		}
		if obj.Key > latest {
			latest = obj.Key
		}
	}
	if latest == "" {
		return Snapshot{}, false, nil
	}

	obj, err := a.client.GetObject(ctx, a.bucket, latest, minio.GetObjectOptions{})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("get %s: %w", latest, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return Snapshot{}, false, fmt.Errorf("read %s: %w", latest, err)
	}
	snap, err := snapshotSerde.Deserializer(buf.Bytes())
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("decode %s: %w", latest, err)
	}
	return snap, true, nil
}

func devicePrefix(prefix string, device kflow.DeviceID) string {
	d := strings.ReplaceAll(string(device), ":", "_")
	if prefix == "" {
		return d + "/"
	}
	return prefix + "/" + d + "/"
}

// objectName sorts lexically by time within a device.
func objectName(prefix string, device kflow.DeviceID, at time.Time) string {
	return fmt.Sprintf("%s%020d.json", devicePrefix(prefix, device), at.UnixNano())
}
