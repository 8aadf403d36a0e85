package param

import "testing"

func TestPackUnpackRoundTrip(t *testing.T) {
	b := New()
	b.Set(File, "/blobs/foo.jpg")
	b.SetInt(Width, 640)
	b.SetInt(Height, 480)
	b.Set(MimeType, "image/jpeg")

	packed := b.Pack()
	b2 := Unpack(packed)

	if v, _ := b2.Get(File); v != "/blobs/foo.jpg" {
		t.Fatalf("File = %q", v)
	}
	if b2.GetInt(Width, -1) != 640 {
		t.Fatalf("Width = %d", b2.GetInt(Width, -1))
	}
	if b2.GetInt(Height, -1) != 480 {
		t.Fatalf("Height = %d", b2.GetInt(Height, -1))
	}
	if v, _ := b2.Get(MimeType); v != "image/jpeg" {
		t.Fatalf("MimeType = %q", v)
	}
	if b2.Pack() != packed {
		t.Fatalf("second pack diverged: %q != %q", b2.Pack(), packed)
	}
}

func TestSetGetNoOp(t *testing.T) {
	b := New()
	b.Set(AuthorName, "Alice")
	v, _ := b.Get(AuthorName)
	b.Set(AuthorName, v)
	if got, _ := b.Get(AuthorName); got != "Alice" {
		t.Fatalf("got %q", got)
	}
}

func TestRemove(t *testing.T) {
	b := New()
	b.Set(Forwarded, "1")
	b.Remove(Forwarded)
	if b.Exists(Forwarded) {
		t.Fatal("expected Forwarded removed")
	}
	if b.Pack() != "" {
		t.Fatalf("expected empty pack, got %q", b.Pack())
	}
}

func TestUnpackDropsMalformedLines(t *testing.T) {
	b := Unpack("f=/a/b\nbad-line-no-equals\nw=100\n\nm=text/plain\n")
	if v, _ := b.Get(File); v != "/a/b" {
		t.Fatalf("File = %q", v)
	}
	if b.GetInt(Width, -1) != 100 {
		t.Fatalf("Width = %d", b.GetInt(Width, -1))
	}
	if v, _ := b.Get(MimeType); v != "text/plain" {
		t.Fatalf("MimeType = %q", v)
	}
}

func TestSetEmptyRemovesKey(t *testing.T) {
	b := New()
	b.Set(Error, "boom")
	b.Set(Error, "")
	if b.Exists(Error) {
		t.Fatal("expected Error removed by empty Set")
	}
	if b.Pack() != "" {
		t.Fatalf("packed form must never contain an empty value, got %q", b.Pack())
	}
}
