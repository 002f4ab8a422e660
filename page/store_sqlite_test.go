package page

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newSQLitePageStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return newSQLitePageStoreAt(t, filepath.Join(t.TempDir(), "nlweb.db"), nil)
}

func newSQLitePageStoreAt(t *testing.T, path string, now func() time.Time) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path, Now: now})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return store
}

func frozenClock() func() time.Time {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return fixed }
}

func mustAdd(t *testing.T, store *SQLiteStore, p NewPage) int64 {
	t.Helper()
	id, err := store.Add(context.Background(), p)
	if err != nil {
		t.Fatalf("Add(%q) error = %v", p.URL, err)
	}
	return id
}

func pageIDs(pages []Page) []int64 {
	ids := make([]int64, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, p.ID)
	}
	return ids
}

func stringPtr(v string) *string { return &v }

func TestSQLiteStoreAddGetRoundTrip(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	rt := int64(120)
	id := mustAdd(t, store, NewPage{
		URL:          "https://example.com",
		Title:        "Example",
		Description:  "An example site",
		Tags:         "demo,example",
		ResponseTime: &rt,
	})
	if id <= 0 {
		t.Fatalf("Add() id = %d, want > 0", id)
	}

	got, ok, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.CreatedAt == "" || got.CreatedAt != got.UpdatedAt {
		t.Fatalf("timestamps = %q/%q, want equal and non-empty", got.CreatedAt, got.UpdatedAt)
	}
	if _, err := time.Parse(TimestampLayout, got.CreatedAt); err != nil {
		t.Fatalf("CreatedAt %q does not parse: %v", got.CreatedAt, err)
	}

	want := Page{
		ID:           id,
		URL:          "https://example.com",
		Title:        "Example",
		Description:  "An example site",
		Tags:         "demo,example",
		Status:       StatusActive,
		ResponseTime: &rt,
		CreatedAt:    got.CreatedAt,
		UpdatedAt:    got.UpdatedAt,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Get() mismatch (-want +got):\n%s", diff)
	}

	byURL, ok, err := store.GetByURL(ctx, "https://example.com")
	if err != nil || !ok {
		t.Fatalf("GetByURL() = ok %v, error %v", ok, err)
	}
	if diff := cmp.Diff(got, byURL); diff != "" {
		t.Fatalf("GetByURL() mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteStoreGetMissingIsAbsent(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, 42); err != nil || ok {
		t.Fatalf("Get(42) = ok %v, error %v; want absent", ok, err)
	}
	if _, ok, err := store.GetByURL(ctx, "https://nowhere.test"); err != nil || ok {
		t.Fatalf("GetByURL() = ok %v, error %v; want absent", ok, err)
	}
}

func TestSQLiteStoreAddDuplicateURL(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	mustAdd(t, store, NewPage{URL: "https://x.test", Title: "X"})
	_, err := store.Add(ctx, NewPage{URL: "https://x.test", Title: "Other"})
	if !errors.Is(err, ErrDuplicateURL) {
		t.Fatalf("Add() error = %v, want ErrDuplicateURL", err)
	}

	pages, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(pages) != 1 || pages[0].Title != "X" {
		t.Fatalf("List() = %+v, want the original page only", pages)
	}
}

func TestSQLiteStoreConcurrentDuplicateAdd(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Add(ctx, NewPage{URL: "https://race.test", Title: "Race"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrDuplicateURL):
				dupes++
			default:
				t.Errorf("Add() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || dupes != workers-1 {
		t.Fatalf("successes = %d, duplicates = %d; want 1 and %d", successes, dupes, workers-1)
	}
	if n, err := store.Count(ctx); err != nil || n != 1 {
		t.Fatalf("Count() = %d, %v; want 1", n, err)
	}
}

func TestSQLiteStoreUpdateTitleOnly(t *testing.T) {
	store := newSQLitePageStoreAt(t, filepath.Join(t.TempDir(), "nlweb.db"), frozenClock())
	ctx := context.Background()

	id := mustAdd(t, store, NewPage{URL: "https://a.test", Title: "A", Description: "first"})
	before, _, _ := store.Get(ctx, id)

	if err := store.Update(ctx, id, Patch{Title: stringPtr("A2")}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	after, ok, err := store.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, error %v", ok, err)
	}
	if after.Title != "A2" {
		t.Fatalf("Title = %q, want A2", after.Title)
	}
	if after.URL != before.URL || after.Description != before.Description || after.Status != before.Status {
		t.Fatalf("untouched fields changed: before %+v after %+v", before, after)
	}
	if after.CreatedAt != before.CreatedAt {
		t.Fatalf("CreatedAt = %q, want %q", after.CreatedAt, before.CreatedAt)
	}
	if after.UpdatedAt <= before.UpdatedAt {
		t.Fatalf("UpdatedAt = %q, want later than %q", after.UpdatedAt, before.UpdatedAt)
	}
}

func TestSQLiteStoreUpdateClearsOptionalField(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	id := mustAdd(t, store, NewPage{URL: "https://a.test", Title: "A", Tags: "x"})
	status := StatusInactive
	if err := store.Update(ctx, id, Patch{Tags: stringPtr(""), Status: &status}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _, _ := store.Get(ctx, id)
	if got.Tags != "" || got.Status != StatusInactive {
		t.Fatalf("Get() = tags %q status %q, want empty and inactive", got.Tags, got.Status)
	}
}

func TestSQLiteStoreEmptyPatchRefreshesUpdatedAt(t *testing.T) {
	store := newSQLitePageStoreAt(t, filepath.Join(t.TempDir(), "nlweb.db"), frozenClock())
	ctx := context.Background()

	id := mustAdd(t, store, NewPage{URL: "https://a.test", Title: "A"})
	before, _, _ := store.Get(ctx, id)
	if err := store.Update(ctx, id, Patch{}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	after, _, _ := store.Get(ctx, id)
	if after.UpdatedAt <= before.UpdatedAt {
		t.Fatalf("UpdatedAt = %q, want later than %q", after.UpdatedAt, before.UpdatedAt)
	}
}

func TestSQLiteStoreUpdateErrors(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	idA := mustAdd(t, store, NewPage{URL: "https://a.test", Title: "A"})
	mustAdd(t, store, NewPage{URL: "https://b.test", Title: "B"})

	if err := store.Update(ctx, 999, Patch{Title: stringPtr("nope")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update(999) error = %v, want ErrNotFound", err)
	}
	if err := store.Update(ctx, idA, Patch{URL: stringPtr("https://b.test")}); !errors.Is(err, ErrDuplicateURL) {
		t.Fatalf("Update(url collision) error = %v, want ErrDuplicateURL", err)
	}
	if err := store.Update(ctx, idA, Patch{Title: stringPtr(" ")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Update(blank title) error = %v, want ErrInvalidInput", err)
	}
	bad := Status("paused")
	if err := store.Update(ctx, idA, Patch{Status: &bad}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Update(bad status) error = %v, want ErrInvalidInput", err)
	}

	got, _, _ := store.Get(ctx, idA)
	if got.URL != "https://a.test" || got.Title != "A" {
		t.Fatalf("page changed after failed updates: %+v", got)
	}
}

func TestSQLiteStoreAddValidation(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	cases := []NewPage{
		{Title: "missing url"},
		{URL: "https://a.test"},
		{URL: "https://a.test", Title: "A", Status: "paused"},
	}
	for _, tc := range cases {
		if _, err := store.Add(ctx, tc); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Add(%+v) error = %v, want ErrInvalidInput", tc, err)
		}
	}
}

func TestSQLiteStoreDelete(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	id := mustAdd(t, store, NewPage{URL: "https://a.test", Title: "A"})
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := store.Get(ctx, id); ok {
		t.Fatal("Get() after Delete ok = true, want false")
	}
	if err := store.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete() error = %v, want ErrNotFound", err)
	}

	next := mustAdd(t, store, NewPage{URL: "https://a.test", Title: "A again"})
	if next == id {
		t.Fatalf("Add() reused id %d", id)
	}
}

func TestSQLiteStoreListOrder(t *testing.T) {
	store := newSQLitePageStoreAt(t, filepath.Join(t.TempDir(), "nlweb.db"), frozenClock())
	ctx := context.Background()

	first := mustAdd(t, store, NewPage{URL: "https://1.test", Title: "one"})
	second := mustAdd(t, store, NewPage{URL: "https://2.test", Title: "two"})
	third := mustAdd(t, store, NewPage{URL: "https://3.test", Title: "three"})

	pages, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if diff := cmp.Diff([]int64{third, second, first}, pageIDs(pages)); diff != "" {
		t.Fatalf("List() order mismatch (-want +got):\n%s", diff)
	}

	if err := store.Update(ctx, first, Patch{Title: stringPtr("one again")}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	pages, err = store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if diff := cmp.Diff([]int64{first, third, second}, pageIDs(pages)); diff != "" {
		t.Fatalf("List() after update order mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteStoreListEmpty(t *testing.T) {
	store := newSQLitePageStore(t)
	pages, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if pages == nil || len(pages) != 0 {
		t.Fatalf("List() = %#v, want empty non-nil slice", pages)
	}
}

func TestSQLiteStoreSearch(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	docs := mustAdd(t, store, NewPage{URL: "https://docs.test", Title: "Go Documentation"})
	blog := mustAdd(t, store, NewPage{URL: "https://blog.test", Title: "Blog", Description: "posts about golang"})
	tagged := mustAdd(t, store, NewPage{URL: "https://misc.test", Title: "Misc", Tags: "GO,misc"})
	mustAdd(t, store, NewPage{URL: "https://rust.test", Title: "Rust"})

	got, err := store.Search(ctx, "go")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if diff := cmp.Diff([]int64{tagged, blog, docs}, pageIDs(got)); diff != "" {
		t.Fatalf("Search(go) mismatch (-want +got):\n%s", diff)
	}

	got, err = store.Search(ctx, "docs.TEST")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != docs {
		t.Fatalf("Search(url) = %v, want [%d]", pageIDs(got), docs)
	}

	got, err = store.Search(ctx, "nothing-matches")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Search(no match) = %v, want empty", pageIDs(got))
	}
}

func TestSQLiteStoreSearchEscapesWildcards(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	pct := mustAdd(t, store, NewPage{URL: "https://p.test", Title: "100% coverage"})
	mustAdd(t, store, NewPage{URL: "https://q.test", Title: "1000 coverage"})
	under := mustAdd(t, store, NewPage{URL: "https://u.test", Title: "snake_case"})
	mustAdd(t, store, NewPage{URL: "https://v.test", Title: "snakeXcase"})

	got, err := store.Search(ctx, "0%")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != pct {
		t.Fatalf("Search(0%%) = %v, want [%d]", pageIDs(got), pct)
	}

	got, err = store.Search(ctx, "e_c")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != under {
		t.Fatalf("Search(e_c) = %v, want [%d]", pageIDs(got), under)
	}
}

func TestSQLiteStoreSearchEmptyQuery(t *testing.T) {
	store := newSQLitePageStore(t)
	if _, err := store.Search(context.Background(), ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Search(\"\") error = %v, want ErrInvalidInput", err)
	}
}

func TestSQLiteStoreScenarioUpdateThenDelete(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	id := mustAdd(t, store, NewPage{URL: "https://x.test", Title: "X"})
	if id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}
	if err := store.Update(ctx, id, Patch{Title: stringPtr("X2")}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, ok, err := store.Get(ctx, id)
	if err != nil || !ok || got.Title != "X2" {
		t.Fatalf("Get() = %+v ok %v error %v, want title X2", got, ok, err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := store.Get(ctx, id); ok {
		t.Fatal("Get() after Delete ok = true, want false")
	}
}

func TestSQLiteStoreInitializeIsIdempotentAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nlweb.db")
	ctx := context.Background()

	store := newSQLitePageStoreAt(t, path, nil)
	id := mustAdd(t, store, NewPage{URL: "https://keep.test", Title: "Keep"})
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := newSQLitePageStoreAt(t, path, nil)
	got, ok, err := reopened.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Get() after reopen = ok %v, error %v", ok, err)
	}
	if got.URL != "https://keep.test" {
		t.Fatalf("URL = %q, want https://keep.test", got.URL)
	}
}

func TestSQLiteStoreReopenKeepsTimestampsIncreasing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nlweb.db")
	ctx := context.Background()

	store := newSQLitePageStoreAt(t, path, frozenClock())
	for _, u := range []string{"https://1.test", "https://2.test", "https://3.test"} {
		mustAdd(t, store, NewPage{URL: u, Title: u})
	}
	last, _, _ := store.GetByURL(ctx, "https://3.test")
	_ = store.Close()

	reopened := newSQLitePageStoreAt(t, path, frozenClock())
	id := mustAdd(t, reopened, NewPage{URL: "https://4.test", Title: "four"})
	got, _, _ := reopened.Get(ctx, id)
	if got.UpdatedAt <= last.UpdatedAt {
		t.Fatalf("UpdatedAt = %q, want later than %q", got.UpdatedAt, last.UpdatedAt)
	}
}

func TestNewSQLiteStoreUnopenableMedium(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "nlweb.db")
	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	if err == nil {
		err = store.Initialize(context.Background())
		_ = store.Close()
	}
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("error = %v, want ErrStorage", err)
	}
	var storageErr *StorageError
	if !errors.As(err, &storageErr) || storageErr.Op == "" {
		t.Fatalf("error = %#v, want *StorageError with op", err)
	}
}

func TestOpenPathCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "nlweb.db")
	store, err := OpenPath(path, nil)
	if err != nil {
		t.Fatalf("OpenPath() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
}

func TestDefaultSQLitePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := DefaultSQLitePath()
	if err != nil {
		t.Fatalf("DefaultSQLitePath() error = %v", err)
	}
	want := filepath.Join(home, ".nlweb-mcp", "nlweb.db")
	if got != want {
		t.Fatalf("DefaultSQLitePath() = %q, want %q", got, want)
	}
}

func TestParseStatus(t *testing.T) {
	for _, in := range []string{"active", " Inactive ", "ERROR"} {
		if _, err := ParseStatus(in); err != nil {
			t.Fatalf("ParseStatus(%q) error = %v", in, err)
		}
	}
	if _, err := ParseStatus("paused"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ParseStatus(paused) error = %v, want ErrInvalidInput", err)
	}
}

func TestSQLiteStoreConcurrentUpdatesKeepUpdatedAtMonotonic(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()
	id := mustAdd(t, store, NewPage{URL: "https://busy.test", Title: "Busy"})

	const (
		writers = 8
		updates = 50
	)
	stop := make(chan struct{})
	regressions := make(chan string, 1)
	var reader sync.WaitGroup
	reader.Add(1)
	go func() {
		defer reader.Done()
		last := ""
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, ok, err := store.Get(ctx, id)
			if err != nil || !ok {
				continue
			}
			if got.UpdatedAt < last {
				select {
				case regressions <- last + " -> " + got.UpdatedAt:
				default:
				}
				return
			}
			last = got.UpdatedAt
		}
	}()

	var writersWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func() {
			defer writersWG.Done()
			for i := 0; i < updates; i++ {
				if err := store.Update(ctx, id, Patch{Title: stringPtr("x")}); err != nil {
					t.Errorf("Update() error = %v", err)
					return
				}
			}
		}()
	}
	writersWG.Wait()
	close(stop)
	reader.Wait()

	select {
	case r := <-regressions:
		t.Fatalf("updatedAt went backwards: %s", r)
	default:
	}

	final, _, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if final.UpdatedAt <= final.CreatedAt {
		t.Fatalf("updatedAt %s not after createdAt %s", final.UpdatedAt, final.CreatedAt)
	}
}

func TestSQLiteStoreRegistryScenario(t *testing.T) {
	store := newSQLitePageStore(t)
	ctx := context.Background()

	if id := mustAdd(t, store, NewPage{URL: "https://a.example/", Title: "A"}); id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}
	if _, err := store.Add(ctx, NewPage{URL: "https://a.example/", Title: "A again"}); !errors.Is(err, ErrDuplicateURL) {
		t.Fatalf("Add(duplicate) error = %v, want ErrDuplicateURL", err)
	}
	if id := mustAdd(t, store, NewPage{URL: "https://b.example/", Title: "B tag:foo"}); id != 2 {
		t.Fatalf("second id = %d, want 2", id)
	}

	found, err := store.Search(ctx, "foo")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if diff := cmp.Diff([]int64{2}, pageIDs(found)); diff != "" {
		t.Fatalf("Search(foo) ids mismatch (-want +got):\n%s", diff)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if diff := cmp.Diff([]int64{2, 1}, pageIDs(all)); diff != "" {
		t.Fatalf("List() ids mismatch (-want +got):\n%s", diff)
	}

	if err := store.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete(1) error = %v", err)
	}
	if _, ok, err := store.Get(ctx, 1); err != nil || ok {
		t.Fatalf("Get(1) after Delete = ok %v, error %v, want absent", ok, err)
	}
	if _, ok, err := store.GetByURL(ctx, "https://a.example/"); err != nil || ok {
		t.Fatalf("GetByURL() after Delete = ok %v, error %v, want absent", ok, err)
	}
}
