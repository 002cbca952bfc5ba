package snapshot

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/rueidis/mock"
	"go.uber.org/mock/gomock"

	"github.com/kailas-cloud/cxrag/internal/db"
	"github.com/kailas-cloud/cxrag/internal/db/valkey"
	"github.com/kailas-cloud/cxrag/internal/domain"
)

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "index.snap")
	s := NewFileStore(path)
	ctx := context.Background()

	if _, err := s.Load(ctx); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound before first save, got %v", err)
	}

	if err := s.Save(ctx, []byte("first")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, []byte("second")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("expected latest snapshot, got %q", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files must not be left behind, found %d entries", len(entries))
	}
	if s.Location() != path {
		t.Errorf("unexpected location %s", s.Location())
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewFileStore(filepath.Join(t.TempDir(), "x.snap"))
	if err := s.Save(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestKVStore_Valkey(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	blob := []byte{0x43, 0x58, 0x00, 0xff}

	c.EXPECT().Do(gomock.Any(), mock.Match("SET", "cxrag:snapshot:default", string(blob))).
		Return(mock.Result(mock.RedisString("OK")))
	c.EXPECT().Do(gomock.Any(), mock.Match("GET", "cxrag:snapshot:default")).
		Return(mock.Result(mock.RedisString(string(blob))))

	s := NewKVStore(valkey.NewStoreForTest(c), "default")
	ctx := context.Background()
	if err := s.Save(ctx, blob); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("got %v, want %v", got, blob)
	}
}

func TestKVStore_NotFoundAndFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	gomock.InOrder(
		c.EXPECT().Do(gomock.Any(), mock.Match("GET", "cxrag:snapshot:x")).Return(mock.Result(mock.RedisNil())),
		c.EXPECT().Do(gomock.Any(), mock.Match("GET", "cxrag:snapshot:x")).Return(mock.ErrorResult(errors.New("down"))),
	)

	s := NewKVStore(valkey.NewStoreForTest(c), "x")
	if _, err := s.Load(context.Background()); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
	_, err := s.Load(context.Background())
	var dbErr *db.Error
	if !errors.As(err, &dbErr) {
		t.Errorf("expected db.Error, got %v", err)
	}
}
