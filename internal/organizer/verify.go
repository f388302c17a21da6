package organizer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
)

// VerifyResult contains the results of checking a library bucket.
type VerifyResult struct {
	Valid      bool     // true if every object matches its recorded checksum
	Objects    int      // number of objects checked
	TotalSize  int64    // sum of object sizes
	Unverified int      // objects without a sha256 metadata entry
	Mismatches int      // objects whose content does not match sha256
	Errors     []string // detailed error messages
}

// Verify re-hashes every object under prefix and compares it to the sha256
// metadata written at upload time.
//
// Objects without a checksum count as unverified but do not make the
// result invalid. Checksum mismatches are reported in the result, not as
// errors. An error is returned only when the bucket cannot be listed or
// read.
func Verify(ctx context.Context, bucket *blob.Bucket, prefix string) (*VerifyResult, error) {
	result := &VerifyResult{Valid: true, Errors: make([]string, 0)}

	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("organizer: list %q: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		result.Objects++
		result.TotalSize += obj.Size

		attrs, err := bucket.Attributes(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("organizer: attributes of %s: %w", obj.Key, err)
		}
		want := attrs.Metadata["sha256"]
		if want == "" {
			result.Unverified++
			continue
		}

		got, err := objectSHA256(ctx, bucket, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("organizer: read %s: %w", obj.Key, err)
		}
		if got != want {
			result.Valid = false
			result.Mismatches++
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s checksum mismatch: expected %s, got %s", obj.Key, want, got))
		}
	}
	return result, nil
}

func objectSHA256(ctx context.Context, bucket *blob.Bucket, key string) (string, error) {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return hashReader(r)
}
