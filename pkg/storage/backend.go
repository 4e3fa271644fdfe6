// ABOUTME: Persistence backend contract for the content store
// ABOUTME: Commits are batches of bucketed key/value records applied atomically

package storage

import (
	"context"
	"sort"
)

// Bucket names
const (
	BucketMeta      = "meta"
	BucketNodeTypes = "nodetypes"
	BucketVersions  = "versions"
	BucketBlobs     = "blobs"
	bucketNodes     = "nodes/"
)

// NodeBucket returns the bucket holding the node records of a workspace
func NodeBucket(workspace string) string { return bucketNodes + workspace }

// WorkspaceOf returns the workspace of a node bucket, or "" for other buckets
func WorkspaceOf(bucket string) string {
	if len(bucket) > len(bucketNodes) && bucket[:len(bucketNodes)] == bucketNodes {
		return bucket[len(bucketNodes):]
	}
	return ""
}

// Record is a single write. Delete removes the key and ignores Value.
type Record struct {
	Bucket string
	Key    string
	Value  []byte
	Delete bool
}

// Batch is the set of writes of one commit, applied all or nothing
type Batch struct {
	Seq     uint64
	Records []Record
}

// Put adds a write to the batch
func (b *Batch) Put(bucket, key string, value []byte) {
	b.Records = append(b.Records, Record{Bucket: bucket, Key: key, Value: value})
}

// Delete adds a removal to the batch
func (b *Batch) Delete(bucket, key string) {
	b.Records = append(b.Records, Record{Bucket: bucket, Key: key, Delete: true})
}

// Len returns the number of records
func (b *Batch) Len() int { return len(b.Records) }

// Image is the full persisted state loaded at startup
type Image struct {
	Seq     uint64
	Buckets map[string]map[string][]byte
}

// NewImage returns an empty image
func NewImage() *Image {
	return &Image{Buckets: make(map[string]map[string][]byte)}
}

// Bucket returns the contents of a bucket, possibly nil
func (img *Image) Bucket(name string) map[string][]byte { return img.Buckets[name] }

// Set stores a value, creating the bucket when needed
func (img *Image) Set(bucket, key string, value []byte) {
	m := img.Buckets[bucket]
	if m == nil {
		m = make(map[string][]byte)
		img.Buckets[bucket] = m
	}
	m[key] = value
}

// BucketNames returns all bucket names in sorted order
func (img *Image) BucketNames() []string {
	names := make([]string, 0, len(img.Buckets))
	for name := range img.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply applies a batch to the image
func (img *Image) Apply(b *Batch) {
	for _, r := range b.Records {
		if r.Delete {
			if m := img.Buckets[r.Bucket]; m != nil {
				delete(m, r.Key)
			}
			continue
		}
		img.Set(r.Bucket, r.Key, append([]byte(nil), r.Value...))
	}
	if b.Seq > img.Seq {
		img.Seq = b.Seq
	}
}

// Backend persists committed batches
type Backend interface {
	// Load returns everything committed so far
	Load(ctx context.Context) (*Image, error)
	// Commit durably applies a batch
	Commit(ctx context.Context, b *Batch) error
	Close() error
}
