package folders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func tree() *media.Fake {
	svc := media.NewFake()
	svc.Folders[""] = []media.Folder{{Name: "products", Path: "products"}, {Name: "blog", Path: "blog"}}
	svc.Folders["products"] = []media.Folder{{Name: "shoes", Path: "products/shoes"}}
	svc.Folders["products/shoes"] = []media.Folder{{Name: "summer"}}
	return svc
}

func TestListFlattensTree(t *testing.T) {
	l := NewLister(tree(), 0, nil)
	got := l.List(context.Background(), true)

	want := []model.FolderOption{
		{Label: "/ (root)", Value: ""},
		{Label: "products", Value: "products"},
		{Label: "  └─ products/shoes", Value: "products/shoes"},
		{Label: "    └─ products/shoes/summer", Value: "products/shoes/summer"},
		{Label: "blog", Value: "blog"},
	}
	assert.Equal(t, want, got)
}

func TestListUsesCache(t *testing.T) {
	svc := tree()
	l := NewLister(svc, time.Minute, nil)

	first := l.List(context.Background(), true)
	calls := svc.FolderCalls()
	second := l.List(context.Background(), true)
	assert.Equal(t, first, second)
	assert.Equal(t, calls, svc.FolderCalls())

	l.List(context.Background(), false)
	assert.Greater(t, svc.FolderCalls(), calls)

	calls = svc.FolderCalls()
	l.Invalidate()
	l.List(context.Background(), true)
	assert.Greater(t, svc.FolderCalls(), calls)
}

func TestListRefreshesAfterTTL(t *testing.T) {
	svc := tree()
	l := NewLister(svc, time.Minute, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.List(context.Background(), true)
	calls := svc.FolderCalls()

	now = now.Add(59 * time.Second)
	l.List(context.Background(), true)
	assert.Equal(t, calls, svc.FolderCalls())

	now = now.Add(2 * time.Second)
	l.List(context.Background(), true)
	assert.Greater(t, svc.FolderCalls(), calls)
}

func TestListIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := NewLister(tree(), 0, nil).List(ctx, true)
	assert.Len(t, got, 5)
}

func TestListStopsAtMaxDepth(t *testing.T) {
	svc := media.NewFake()
	parent := ""
	for i := 0; i < MaxDepth+3; i++ {
		child := "d"
		if parent != "" {
			child = parent + "/d"
		}
		svc.Folders[parent] = []media.Folder{{Name: "d", Path: child}}
		parent = child
	}

	got := NewLister(svc, 0, nil).List(context.Background(), true)
	// root option, the top folder, then MaxDepth nested levels
	assert.Len(t, got, MaxDepth+2)
}

func TestListFailureReturnsRootOnly(t *testing.T) {
	svc := tree()
	svc.FolderErr = errors.New("admin api unavailable")
	l := NewLister(svc, 0, nil)

	assert.Equal(t, []model.FolderOption{Root}, l.List(context.Background(), true))

	svc.FolderErr = nil
	assert.Len(t, l.List(context.Background(), true), 5)
}
