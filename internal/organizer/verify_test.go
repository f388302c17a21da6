package organizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"
)

func TestVerify(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	o := New(mustRules(t, "tools:\n  dest: bin\n  upload: true\n"), t.TempDir(), bucket, zerolog.Nop())
	for _, name := range []string{"a.bin", "b.bin"} {
		src := filepath.Join(t.TempDir(), name)
		if err := os.WriteFile(src, []byte("payload "+name), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := o.Apply(ctx, "tools", src); err != nil {
			t.Fatalf("Apply %s: %v", name, err)
		}
	}
	if err := bucket.WriteAll(ctx, "bin/notes.txt", []byte("no checksum"), nil); err != nil {
		t.Fatal(err)
	}

	result, err := Verify(ctx, bucket, "bin/")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid, got errors: %v", result.Errors)
	}
	if result.Objects != 3 || result.Unverified != 1 {
		t.Errorf("Objects = %d, Unverified = %d, want 3 and 1", result.Objects, result.Unverified)
	}

	// Overwrite one object while keeping its original checksum.
	attrs, err := bucket.Attributes(ctx, "bin/a.bin")
	if err != nil {
		t.Fatal(err)
	}
	opts := &blob.WriterOptions{Metadata: attrs.Metadata}
	if err := bucket.WriteAll(ctx, "bin/a.bin", []byte("tampered"), opts); err != nil {
		t.Fatal(err)
	}

	result, err = Verify(ctx, bucket, "bin/")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid || result.Mismatches != 1 || len(result.Errors) != 1 {
		t.Errorf("expected one mismatch, got %+v", result)
	}
}
