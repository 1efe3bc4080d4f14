package watch

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/exiftip"
	"github.com/wolfeidau/exiftip/binder"
)

type recordingSink struct {
	added   []string
	removed []string
}

func (s *recordingSink) ImagesAdded(_ context.Context, page binder.Page, imgs []exiftip.Image) int {
	for _, img := range imgs {
		if page.Tooltip(img) != nil {
			s.added = append(s.added, img.ID)
		}
	}
	return len(imgs)
}

func (s *recordingSink) ImagesRemoved(imgs []exiftip.Image) int {
	for _, img := range imgs {
		s.removed = append(s.removed, img.ID)
	}
	return len(imgs)
}

func figure(src string) string {
	return `<div class="lightbox"><img class="img-main" src="` + src + `" data-show-exif="true"><div data-exif-tooltip></div></div>`
}

func writePage(t *testing.T, path string, figures ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	body := "<html><body>"
	for _, f := range figures {
		body += f
	}
	body += "</body></html>"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestTracker_ScanAndChanges(t *testing.T) {
	root := t.TempDir()
	site, err := url.Parse("https://blog.example.com/")
	require.NoError(t, err)

	index := filepath.Join(root, "index.html")
	post := filepath.Join(root, "posts", "hello.html")
	writePage(t, index, figure("/img/a.jpg"))
	writePage(t, post, figure("b.jpg"), figure("/img/a.jpg"))

	sink := &recordingSink{}
	tr := NewTracker(root, sink, WithSiteURL(site))
	ctx := context.Background()

	n, err := tr.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, tr.Pages())
	sort.Strings(sink.added)
	require.Equal(t, []string{
		"https://blog.example.com/img/a.jpg",
		"https://blog.example.com/img/a.jpg",
		"https://blog.example.com/posts/b.jpg",
	}, sink.added)

	// A lazily added figure is reported alone.
	sink.added = nil
	writePage(t, post, figure("b.jpg"), figure("/img/a.jpg"), figure("c.jpg"))
	require.NoError(t, tr.Handle(ctx, []Change{{Type: Modified, Path: post}}))
	require.Equal(t, []string{"https://blog.example.com/posts/c.jpg"}, sink.added)

	// Dropping a.jpg from the post keeps it bound: the index still has it.
	writePage(t, post, figure("b.jpg"), figure("c.jpg"))
	require.NoError(t, tr.Handle(ctx, []Change{{Type: Modified, Path: post}}))
	require.Empty(t, sink.removed)

	// Deleting the post removes its images.
	require.NoError(t, os.Remove(post))
	require.NoError(t, tr.Handle(ctx, []Change{{Type: Deleted, Path: post}}))
	sort.Strings(sink.removed)
	require.Equal(t, []string{
		"https://blog.example.com/posts/b.jpg",
		"https://blog.example.com/posts/c.jpg",
	}, sink.removed)
	require.Equal(t, 1, tr.Pages())

	_, ok := tr.Page(index)
	require.True(t, ok)
}

func TestTracker_ModifiedButGone(t *testing.T) {
	root := t.TempDir()
	sink := &recordingSink{}
	tr := NewTracker(root, sink)

	err := tr.Handle(context.Background(), []Change{{Type: Modified, Path: filepath.Join(root, "gone.html")}})
	require.NoError(t, err)
	require.Zero(t, tr.Pages())
}
