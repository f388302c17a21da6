package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chrisdmacrae/romulator/internal/organizer"
	"github.com/chrisdmacrae/romulator/internal/progress"
	"github.com/chrisdmacrae/romulator/internal/room"
	"github.com/chrisdmacrae/romulator/internal/testutils"
	"github.com/chrisdmacrae/romulator/internal/transfer"
	"github.com/rs/zerolog"
)

const tenMiB = 10 * 1024 * 1024

type progressRecorder struct {
	mu      sync.Mutex
	samples map[string][]progress.Sample
	onBytes func(name string, s progress.Sample)
}

func (r *progressRecorder) PublishProgress(name string, s progress.Sample) {
	r.mu.Lock()
	if r.samples == nil {
		r.samples = map[string][]progress.Sample{}
	}
	r.samples[name] = append(r.samples[name], s)
	hook := r.onBytes
	r.mu.Unlock()
	if hook != nil {
		hook(name, s)
	}
}

func (r *progressRecorder) get(name string) []progress.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Sample(nil), r.samples[name]...)
}

type resolverFunc func(ctx context.Context, parentURL, name string) (string, error)

func (f resolverFunc) Resolve(ctx context.Context, parentURL, name string) (string, error) {
	return f(ctx, parentURL, name)
}

type organizerFunc func(ctx context.Context, ruleset, path string) (organizer.Result, error)

func (f organizerFunc) Apply(ctx context.Context, ruleset, path string) (organizer.Result, error) {
	return f(ctx, ruleset, path)
}

// gateTransfer blocks every run until released or cancelled.
type gateTransfer struct {
	started chan string
	release chan struct{}
}

func newGateTransfer() *gateTransfer {
	return &gateTransfer{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gateTransfer) Run(ctx context.Context, req transfer.Request, events chan<- progress.Sample) (int64, error) {
	g.started <- filepath.Base(req.Dest)
	select {
	case <-g.release:
		if err := os.WriteFile(req.Dest, []byte("ok"), 0o644); err != nil {
			return 0, err
		}
		return 2, nil
	case <-ctx.Done():
		return 0, &transfer.Error{Kind: transfer.KindCancelled, URL: req.URL, Err: context.Cause(ctx)}
	}
}

type harness struct {
	t        *testing.T
	dir      string
	room     *room.Room
	proc     *Processor
	progress *progressRecorder

	mu        sync.Mutex
	snapshots []room.Snapshot
}

func newHarness(t *testing.T, tr Transferer, mod func(*Config)) *harness {
	t.Helper()
	h := &harness{t: t, dir: t.TempDir(), progress: &progressRecorder{}}
	h.room = room.New(room.WithPublisher(func(s room.Snapshot) {
		h.mu.Lock()
		h.snapshots = append(h.snapshots, s)
		h.mu.Unlock()
	}))
	if tr == nil {
		opts := transfer.DefaultOptions()
		opts.ProgressInterval = time.Millisecond
		tr = transfer.New(opts, zerolog.Nop())
	}
	cfg := Config{
		Room:        h.room,
		Transfer:    tr,
		Progress:    h.progress,
		DownloadDir: h.dir,
		Logger:      zerolog.Nop(),
	}
	if mod != nil {
		mod(&cfg)
	}
	h.proc = New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.proc.Close(ctx)
	})
	return h
}

func (h *harness) wait() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := h.proc.Wait(ctx); err != nil {
		h.t.Fatalf("worker did not go idle: %v", err)
	}
}

func (h *harness) waitFor(desc string, cond func(room.Snapshot) bool) room.Snapshot {
	h.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		snap := h.room.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s; room: %+v", desc, snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) item(name string) room.Item {
	h.t.Helper()
	snap := h.room.Snapshot()
	it := snap.Item(name)
	if it == nil {
		h.t.Fatalf("item %q not in room", name)
	}
	return *it
}

func (h *harness) published() []room.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]room.Snapshot(nil), h.snapshots...)
}

func TestProcessorDownloadsFile(t *testing.T) {
	data := testutils.GenerateTestData(t, tenMiB)
	srv := testutils.StartFileServer(t, testutils.TestFile{Name: "a.zip", Data: data})
	h := newHarness(t, nil, nil)

	res, err := h.proc.Enqueue([]NewItem{{Name: "a.zip", DownloadURL: srv.FileURL("a.zip"), Size: "10 MiB"}})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if res.Added != 1 || res.AlreadyQueued != 0 {
		t.Fatalf("unexpected enqueue result %+v", res)
	}
	h.wait()

	it := h.item("a.zip")
	if it.Status != room.StatusSuccess {
		t.Fatalf("status = %s, error = %q", it.Status, it.Error)
	}
	if it.SizeBytes != tenMiB || it.Bytes != tenMiB {
		t.Errorf("SizeBytes = %d, Bytes = %d", it.SizeBytes, it.Bytes)
	}
	testutils.CompareFileToData(t, filepath.Join(h.dir, "a.zip"), data)

	snap := h.room.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Name != "a.zip" || snap.History[0].Status != room.StatusSuccess {
		t.Errorf("unexpected history %+v", snap.History)
	}
	if snap.CurrentItemName != "" || snap.Status != room.RoomComplete {
		t.Errorf("room not settled: current %q status %s", snap.CurrentItemName, snap.Status)
	}

	samples := h.progress.get("a.zip")
	if len(samples) == 0 {
		t.Fatal("no progress forwarded")
	}
	last := samples[len(samples)-1]
	if !last.Done || last.Downloaded != tenMiB || last.Percent != 100 {
		t.Errorf("unexpected final sample %+v", last)
	}
}

func TestProcessorPublishesDownloadingBeforeTerminal(t *testing.T) {
	srv := testutils.StartFileServer(t, testutils.TestFile{Name: "a.zip", Data: []byte("abc")})
	h := newHarness(t, nil, nil)

	h.proc.Enqueue([]NewItem{{Name: "a.zip", DownloadURL: srv.FileURL("a.zip")}})
	h.wait()

	var seen []room.Status
	for _, s := range h.published() {
		if it := s.Item("a.zip"); it != nil {
			if len(seen) == 0 || seen[len(seen)-1] != it.Status {
				seen = append(seen, it.Status)
			}
		}
	}
	want := []room.Status{room.StatusAvailable, room.StatusDownloading, room.StatusSuccess}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("status sequence = %v, want %v", seen, want)
	}
}

func TestProcessorFollowsRedirect(t *testing.T) {
	srv := testutils.StartFileServer(t, testutils.TestFile{Name: "files/b.bin", Data: []byte("payload")})
	srv.AddRedirect("b.bin", "/files/b.bin")
	h := newHarness(t, nil, nil)

	h.proc.Enqueue([]NewItem{{Name: "b.bin", DownloadURL: srv.FileURL("b.bin")}})
	h.wait()

	if it := h.item("b.bin"); it.Status != room.StatusSuccess {
		t.Fatalf("status = %s, error = %q", it.Status, it.Error)
	}
	testutils.CompareFileToData(t, filepath.Join(h.dir, "b.bin"), []byte("payload"))
}

func TestProcessorUnresolvedItem(t *testing.T) {
	srv := testutils.StartFileServer(t, testutils.TestFile{Name: "next.bin", Data: []byte("next")})
	calls := 0
	h := newHarness(t, nil, func(c *Config) {
		c.Resolver = resolverFunc(func(ctx context.Context, parent, name string) (string, error) {
			calls++
			return "", errors.New("listing unavailable")
		})
	})

	h.proc.Enqueue([]NewItem{
		{Name: "lost.zip", ParentURL: "http://mirror/roms/"},
		{Name: "next.bin", DownloadURL: srv.FileURL("next.bin")},
	})
	h.wait()

	lost := h.item("lost.zip")
	if lost.Status != room.StatusNeedsResolve {
		t.Fatalf("status = %s, want needs-resolve", lost.Status)
	}
	if !strings.Contains(lost.Error, "listing unavailable") {
		t.Errorf("error should keep the resolver message, got %q", lost.Error)
	}
	if next := h.item("next.bin"); next.Status != room.StatusSuccess {
		t.Errorf("next item status = %s", next.Status)
	}
	snap := h.room.Snapshot()
	if snap.CurrentItemName != "" {
		t.Errorf("CurrentItemName = %q", snap.CurrentItemName)
	}
	if calls != 1 {
		t.Errorf("resolver called %d times, want 1", calls)
	}
	if snap.History[0].Name != "lost.zip" || snap.History[0].Status != room.StatusNeedsResolve {
		t.Errorf("unexpected history %+v", snap.History)
	}
}

func TestProcessorResolvesMissingURL(t *testing.T) {
	srv := testutils.StartFileServer(t, testutils.TestFile{Name: "roms/c.zip", Data: []byte("c")})
	h := newHarness(t, nil, func(c *Config) {
		c.DefaultParentURL = srv.FileURL("roms/")
		c.Resolver = resolverFunc(func(ctx context.Context, parent, name string) (string, error) {
			return parent + name, nil
		})
	})

	h.proc.Enqueue([]NewItem{{Name: "c.zip"}})
	h.wait()

	it := h.item("c.zip")
	if it.Status != room.StatusSuccess || it.SourceURL != srv.FileURL("roms/c.zip") {
		t.Errorf("unexpected item %+v", it)
	}
}

func TestProcessorCancelMidTransfer(t *testing.T) {
	data := testutils.GenerateTestData(t, tenMiB)
	srv := testutils.StartFileServer(t,
		testutils.TestFile{Name: "big.bin", Data: data},
		testutils.TestFile{Name: "after.bin", Data: []byte("after")},
	)
	srv.Throttle("big.bin", 256*1024, 20*time.Millisecond)

	h := newHarness(t, nil, nil)
	var once sync.Once
	h.progress.onBytes = func(name string, s progress.Sample) {
		if name == "big.bin" && s.Downloaded >= 2*1024*1024 {
			once.Do(func() {
				if err := h.proc.Cancel("big.bin"); err != nil {
					t.Errorf("Cancel failed: %v", err)
				}
			})
		}
	}

	h.proc.Enqueue([]NewItem{
		{Name: "big.bin", DownloadURL: srv.FileURL("big.bin")},
		{Name: "after.bin", DownloadURL: srv.FileURL("after.bin")},
	})
	h.wait()

	big := h.item("big.bin")
	if big.Status != room.StatusFailed {
		t.Fatalf("status = %s, want failed", big.Status)
	}
	if !strings.Contains(big.Error, "cancelled") {
		t.Errorf("expected a cancellation reason, got %q", big.Error)
	}
	testutils.AssertNoFile(t, filepath.Join(h.dir, "big.bin"))
	testutils.AssertNoMatch(t, filepath.Join(h.dir, transfer.PartPattern))

	if after := h.item("after.bin"); after.Status != room.StatusSuccess {
		t.Errorf("next item status = %s", after.Status)
	}
}

func TestProcessorSingleFlight(t *testing.T) {
	srv := testutils.StartFileServer(t)
	for i := 0; i < 6; i++ {
		srv.AddFile(fmt.Sprintf("f%d.bin", i), []byte(strings.Repeat("x", 1024*(i+1))))
	}
	h := newHarness(t, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("f%d.bin", i)
			h.proc.Enqueue([]NewItem{{Name: name, DownloadURL: srv.FileURL(name)}})
		}(i)
	}
	wg.Wait()
	h.waitFor("all items done", func(s room.Snapshot) bool { return s.Stats.Success == 6 })

	for _, s := range h.published() {
		if s.Stats.Downloading > 1 {
			t.Fatalf("snapshot with %d downloading items", s.Stats.Downloading)
		}
	}
}

func TestProcessorIdempotentEnqueue(t *testing.T) {
	gate := newGateTransfer()
	h := newHarness(t, gate, nil)

	h.proc.Enqueue([]NewItem{
		{Name: "a.zip", DownloadURL: "http://x/a.zip"},
		{Name: "b.zip", DownloadURL: "http://x/b.zip"},
	})
	<-gate.started

	res, err := h.proc.Enqueue([]NewItem{
		{Name: "a.zip", DownloadURL: "http://x/a.zip"},
		{Name: "b.zip", DownloadURL: "http://x/b.zip"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 0 || res.AlreadyQueued != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	snap := h.room.Snapshot()
	if len(snap.Items) != 2 || snap.Items[0].Status != room.StatusDownloading || snap.Items[1].Status != room.StatusAvailable {
		t.Errorf("queue changed: %+v", snap.Items)
	}

	close(gate.release)
	h.wait()
}

func TestProcessorEnqueueReplacesFinishedItem(t *testing.T) {
	srv := testutils.StartFileServer(t, testutils.TestFile{Name: "a.zip", Data: []byte("a")})
	h := newHarness(t, nil, nil)

	h.proc.Enqueue([]NewItem{{Name: "a.zip", DownloadURL: srv.FileURL("a.zip")}})
	h.wait()
	h.proc.Enqueue([]NewItem{{Name: "a.zip", DownloadURL: srv.FileURL("a.zip")}})
	h.wait()

	snap := h.room.Snapshot()
	if len(snap.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(snap.Items))
	}
	if len(snap.History) != 2 {
		t.Errorf("expected two history entries, got %d", len(snap.History))
	}
	if srv.Requests("a.zip") != 2 {
		t.Errorf("expected two downloads, got %d", srv.Requests("a.zip"))
	}
}

func TestProcessorEnqueueRejectsBadNames(t *testing.T) {
	h := newHarness(t, newGateTransfer(), nil)
	for _, name := range []string{"", "..", "a/b.zip", `a\b.zip`, ".romulator-1.part", ".extract-game"} {
		_, err := h.proc.Enqueue([]NewItem{{Name: "ok.zip"}, {Name: name}})
		if !errors.Is(err, ErrInvalidItem) {
			t.Errorf("%q: expected ErrInvalidItem, got %v", name, err)
		}
	}
	if n := len(h.room.Snapshot().Items); n != 0 {
		t.Errorf("expected nothing enqueued, got %d items", n)
	}
}

func TestProcessorPartialNeverClobbersFinishedItem(t *testing.T) {
	first := []byte("finished under a .part name")
	second := testutils.GenerateTestData(t, 256*1024)
	srv := testutils.StartFileServer(t,
		testutils.TestFile{Name: "x.zip.part", Data: first},
		testutils.TestFile{Name: "x.zip", Data: second},
	)
	h := newHarness(t, nil, nil)

	if _, err := h.proc.Enqueue([]NewItem{{Name: "x.zip.part", DownloadURL: srv.FileURL("x.zip.part")}}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	h.wait()
	if _, err := h.proc.Enqueue([]NewItem{{Name: "x.zip", DownloadURL: srv.FileURL("x.zip")}}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	h.wait()

	for _, name := range []string{"x.zip.part", "x.zip"} {
		if it := h.item(name); it.Status != room.StatusSuccess {
			t.Errorf("%s: status = %s, error = %q", name, it.Status, it.Error)
		}
	}
	testutils.CompareFileToData(t, filepath.Join(h.dir, "x.zip.part"), first)
	testutils.CompareFileToData(t, filepath.Join(h.dir, "x.zip"), second)
	testutils.AssertNoMatch(t, filepath.Join(h.dir, transfer.PartPattern))
}

func TestProcessorRetry(t *testing.T) {
	srv := testutils.StartFileServer(t)
	h := newHarness(t, nil, nil)

	h.proc.Enqueue([]NewItem{{Name: "late.bin", DownloadURL: srv.FileURL("late.bin")}})
	h.wait()
	if it := h.item("late.bin"); it.Status != room.StatusFailed {
		t.Fatalf("status = %s, want failed", it.Status)
	}

	ctx := context.Background()
	srv.AddFile("late.bin", []byte("finally"))
	if err := h.proc.Retry(ctx, "late.bin"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	h.wait()
	if it := h.item("late.bin"); it.Status != room.StatusSuccess || it.Error != "" {
		t.Fatalf("unexpected item after retry %+v", it)
	}

	if err := h.proc.Retry(ctx, "late.bin"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("retry of success: expected ErrInvalidState, got %v", err)
	}
	if err := h.proc.Retry(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestProcessorRetryNeedsResolve(t *testing.T) {
	srv := testutils.StartFileServer(t, testutils.TestFile{Name: "x.zip", Data: []byte("x")})
	var (
		mu        sync.Mutex
		available bool
	)
	h := newHarness(t, nil, func(c *Config) {
		c.Resolver = resolverFunc(func(ctx context.Context, parent, name string) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			if !available {
				return "", errors.New("not listed")
			}
			return srv.FileURL(name), nil
		})
	})

	h.proc.Enqueue([]NewItem{{Name: "x.zip", ParentURL: srv.URL}})
	h.wait()

	ctx := context.Background()
	if err := h.proc.Retry(ctx, "x.zip"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
	if it := h.item("x.zip"); it.Status != room.StatusNeedsResolve {
		t.Fatalf("failed resolve changed status to %s", it.Status)
	}

	mu.Lock()
	available = true
	mu.Unlock()
	if err := h.proc.Retry(ctx, "x.zip"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	h.wait()
	if it := h.item("x.zip"); it.Status != room.StatusSuccess {
		t.Errorf("status = %s", it.Status)
	}
}

func TestProcessorRetryAllFailed(t *testing.T) {
	srv := testutils.StartFileServer(t, testutils.TestFile{Name: "ok.bin", Data: []byte("ok")})
	h := newHarness(t, nil, nil)

	h.proc.Enqueue([]NewItem{
		{Name: "one.bin", DownloadURL: srv.FileURL("one.bin")},
		{Name: "ok.bin", DownloadURL: srv.FileURL("ok.bin")},
		{Name: "two.bin", DownloadURL: srv.FileURL("two.bin")},
	})
	h.wait()

	srv.AddFile("one.bin", []byte("1"))
	srv.AddFile("two.bin", []byte("2"))
	n, err := h.proc.RetryAllFailed(context.Background())
	if err != nil {
		t.Fatalf("RetryAllFailed failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("retried %d, want 2", n)
	}
	h.wait()

	snap := h.room.Snapshot()
	var order []string
	for _, it := range snap.Items {
		order = append(order, it.Name)
		if it.Status != room.StatusSuccess {
			t.Errorf("%s: status %s", it.Name, it.Status)
		}
	}
	if strings.Join(order, ",") != "ok.bin,one.bin,two.bin" {
		t.Errorf("retried items should move to the back in order, got %v", order)
	}
}

func TestProcessorRemove(t *testing.T) {
	gate := newGateTransfer()
	h := newHarness(t, gate, nil)

	h.proc.Enqueue([]NewItem{
		{Name: "a.zip", DownloadURL: "http://x/a.zip"},
		{Name: "b.zip", DownloadURL: "http://x/b.zip"},
	})
	<-gate.started

	if err := h.proc.Remove("a.zip"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("removing a downloading item: expected ErrInvalidState, got %v", err)
	}
	if err := h.proc.Remove("b.zip"); err != nil {
		t.Errorf("Remove failed: %v", err)
	}
	if err := h.proc.Remove("b.zip"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	close(gate.release)
	h.wait()
	if n := len(h.room.Snapshot().Items); n != 1 {
		t.Errorf("expected one item left, got %d", n)
	}
	if err := h.proc.Remove("a.zip"); err != nil {
		t.Errorf("Remove of finished item failed: %v", err)
	}
}

func TestProcessorCancelQueuedItem(t *testing.T) {
	gate := newGateTransfer()
	h := newHarness(t, gate, nil)

	h.proc.Enqueue([]NewItem{
		{Name: "a.zip", DownloadURL: "http://x/a.zip"},
		{Name: "b.zip", DownloadURL: "http://x/b.zip"},
	})
	<-gate.started

	if err := h.proc.Cancel("b.zip"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if it := h.item("b.zip"); it.Status != room.StatusFailed {
		t.Errorf("status = %s, want failed", it.Status)
	}
	if err := h.proc.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	close(gate.release)
	h.wait()
	if it := h.item("a.zip"); it.Status != room.StatusSuccess {
		t.Errorf("status = %s", it.Status)
	}
}

func TestProcessorOrganizerFailureKeepsSuccess(t *testing.T) {
	srv := testutils.StartFileServer(t, testutils.TestFile{Name: "a.zip", Data: []byte("not a zip")})
	var gotPath string
	h := newHarness(t, nil, func(c *Config) {
		c.Ruleset = "nes"
		c.Organizer = organizerFunc(func(ctx context.Context, ruleset, path string) (organizer.Result, error) {
			gotPath = path
			err := &organizer.CorruptedArchiveError{Path: path, Err: errors.New("zip: not a valid zip file")}
			return organizer.Result{Errors: []string{err.Error()}}, err
		})
	})

	h.proc.Enqueue([]NewItem{{Name: "a.zip", DownloadURL: srv.FileURL("a.zip")}})
	h.wait()

	it := h.item("a.zip")
	if it.Status != room.StatusSuccess {
		t.Fatalf("organizer failure downgraded status to %s", it.Status)
	}
	if !strings.Contains(it.OrganizeError, "corrupted archive") {
		t.Errorf("OrganizeError = %q", it.OrganizeError)
	}
	if gotPath != filepath.Join(h.dir, "a.zip") {
		t.Errorf("organizer got path %q", gotPath)
	}
}

func TestProcessorPathFollowsOrganizedFile(t *testing.T) {
	srv := testutils.StartFileServer(t, testutils.TestFile{Name: "game.sfc", Data: []byte("rom")})
	library := t.TempDir()
	rules, err := organizer.ParseRulesets([]byte("snes:\n  dest: snes\n"))
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, nil, func(c *Config) {
		c.Ruleset = "snes"
		c.Organizer = organizer.New(rules, library, nil, zerolog.Nop())
	})

	h.proc.Enqueue([]NewItem{{Name: "game.sfc", DownloadURL: srv.FileURL("game.sfc")}})
	h.wait()

	it := h.item("game.sfc")
	want := filepath.Join(library, "snes", "game.sfc")
	if it.Status != room.StatusSuccess || it.OrganizeError != "" {
		t.Fatalf("unexpected item %+v", it)
	}
	if it.Path != want {
		t.Errorf("Path = %q, want %q", it.Path, want)
	}
	testutils.CompareFileToData(t, want, []byte("rom"))
	testutils.AssertNoFile(t, filepath.Join(h.dir, "game.sfc"))
}

func TestOrganizedPath(t *testing.T) {
	dir := t.TempDir()
	kept := filepath.Join(dir, "kept.zip")
	if err := os.WriteFile(kept, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	gone := filepath.Join(dir, "gone.zip")

	tests := []struct {
		name  string
		path  string
		moved []string
		want  string
	}{
		{"still in place", kept, []string{"/lib/a.sfc", "/lib/b.sfc"}, kept},
		{"moved once", gone, []string{"/lib/gone.zip"}, "/lib/gone.zip"},
		{"unpacked", gone, []string{"/lib/a.sfc", "/lib/b.sfc"}, ""},
	}
	for _, tt := range tests {
		if got := organizedPath(tt.path, tt.moved); got != tt.want {
			t.Errorf("%s: organizedPath = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestProcessorTruncatedBodyIsCorrupted(t *testing.T) {
	srv := testutils.StartFileServer(t, testutils.TestFile{Name: "short.bin", Data: make([]byte, 4096)})
	srv.DeclareLength("short.bin", 8192)
	h := newHarness(t, nil, nil)

	h.proc.Enqueue([]NewItem{{Name: "short.bin", DownloadURL: srv.FileURL("short.bin")}})
	h.wait()

	if it := h.item("short.bin"); it.Status != room.StatusCorrupted {
		t.Errorf("status = %s, want corrupted", it.Status)
	}
	testutils.AssertNoFile(t, filepath.Join(h.dir, "short.bin"))
}

func TestProcessorCloseRequeuesActiveItem(t *testing.T) {
	gate := newGateTransfer()
	h := newHarness(t, gate, nil)

	h.proc.Enqueue([]NewItem{{Name: "a.zip", DownloadURL: "http://x/a.zip"}})
	<-gate.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.proc.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	snap := h.room.Snapshot()
	if it := snap.Item("a.zip"); it.Status != room.StatusAvailable {
		t.Errorf("status = %s, want available", it.Status)
	}
	if len(snap.History) != 0 || snap.CurrentItemName != "" {
		t.Errorf("shutdown should not be recorded: %+v", snap)
	}

	h.proc.StartProcessing()
	select {
	case name := <-gate.started:
		t.Errorf("closed processor started %s", name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want room.Status
	}{
		{"nil", nil, room.StatusSuccess},
		{"unresolved", fmt.Errorf("%w: boom", ErrUnresolved), room.StatusNeedsResolve},
		{"missing source", &transfer.Error{Kind: transfer.KindMissingSource, Err: transfer.ErrMissingSource}, room.StatusNeedsResolve},
		{"truncated", &transfer.Error{Kind: transfer.KindTruncated, Err: transfer.ErrTruncated}, room.StatusCorrupted},
		{"http status", &transfer.Error{Kind: transfer.KindHTTPStatus, Err: errors.New("404")}, room.StatusFailed},
		{"cancelled", &transfer.Error{Kind: transfer.KindCancelled, Err: transfer.ErrCancelled}, room.StatusFailed},
		{"redirects", &transfer.Error{Kind: transfer.KindTooManyRedirects, Err: errors.New("loop")}, room.StatusFailed},
		{"plain", errors.New("disk full"), room.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}
