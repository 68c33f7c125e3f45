package targets

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

func collect(s *LineSource) []string {
	var out []string
	for {
		t, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

func TestCIDRIterator(t *testing.T) {
	// 192.168.1.0/30 -> .0, .1, .2, .3 (4 IPs)
	iter, err := NewCIDRIterator("192.168.1.2/30")
	if err != nil {
		t.Fatalf("Failed to create iterator: %v", err)
	}

	expected := []string{
		"192.168.1.0",
		"192.168.1.1",
		"192.168.1.2",
		"192.168.1.3",
	}

	for _, exp := range expected {
		ip, ok := iter.Next()
		if !ok {
			t.Fatal("Iterator exhausted prematurely")
		}
		if ip != exp {
			t.Errorf("Expected %s, got %s", exp, ip)
		}
	}

	if _, ok := iter.Next(); ok {
		t.Error("Iterator should be exhausted")
	}
}

func TestCIDRIteratorTopOfSpace(t *testing.T) {
	iter, err := NewCIDRIterator("255.255.255.254/31")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := iter.Next()
	b, _ := iter.Next()
	if a != "255.255.255.254" || b != "255.255.255.255" {
		t.Fatalf("unexpected addresses %s %s", a, b)
	}
	if _, ok := iter.Next(); ok || iter.Remaining() != 0 {
		t.Fatal("iterator wrapped past the end of the address space")
	}
}

func TestCIDRIteratorRejects(t *testing.T) {
	for _, bad := range []string{"2001:db8::/64", "10.0.0.0/4", "nope/24"} {
		if _, err := NewCIDRIterator(bad); err == nil {
			t.Errorf("expected error for %s", bad)
		}
	}
}

func TestCIDRIteratorSizeBound(t *testing.T) {
	if _, err := NewCIDRIterator("10.0.0.0/7"); err == nil {
		t.Error("expected /7 to be rejected")
	}
	it, err := NewCIDRIterator("10.0.0.0/8")
	if err != nil {
		t.Fatalf("/8: %v", err)
	}
	if it.Remaining() != maxExpand {
		t.Fatalf("expected %d addresses, got %d", maxExpand, it.Remaining())
	}
}

func TestLineSourceOverlongLine(t *testing.T) {
	in := "10.0.0.1\n" + strings.Repeat("x", 2<<20) + "\n10.0.0.2\n"
	s := NewLineSource(strings.NewReader(in), 0)
	got := collect(s)
	if len(got) != 1 || got[0] != "10.0.0.1" {
		t.Fatalf("unexpected targets %v", got)
	}
	if !errors.Is(s.Err(), bufio.ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", s.Err())
	}
	if s.Offset() != 1 {
		t.Fatalf("expected offset 1, got %d", s.Offset())
	}
}

func TestLineSource(t *testing.T) {
	in := "10.0.0.1\n\n# comment\n  10.0.0.2  \r\n10.0.1.0/31\n10.0.0.3"
	s := NewLineSource(strings.NewReader(in), 0)
	got := collect(s)
	want := []string{"10.0.0.1", "10.0.0.2", "10.0.1.0", "10.0.1.1", "10.0.0.3"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if s.Offset() != 6 {
		t.Fatalf("expected offset 6, got %d", s.Offset())
	}
	if s.Err() != nil {
		t.Fatal(s.Err())
	}
}

func TestLineSourceSkip(t *testing.T) {
	s := NewLineSource(strings.NewReader("10.0.0.1\n10.0.0.2\n"), 1)
	got := collect(s)
	if len(got) != 1 || got[0] != "10.0.0.2" {
		t.Fatalf("expected only 10.0.0.2, got %v", got)
	}
	if s.Offset() != 2 {
		t.Fatalf("expected offset 2, got %d", s.Offset())
	}
}

func TestLineSourceOffsetTracksConsumption(t *testing.T) {
	s := NewLineSource(strings.NewReader("10.0.0.1\n10.0.2.0/30\n10.0.0.9\n"), 0)
	s.Next()
	if s.Offset() != 1 {
		t.Fatalf("expected offset 1, got %d", s.Offset())
	}
	s.Next() // first address of the block
	if s.Offset() != 1 {
		t.Fatalf("partly handed out block counted: offset %d", s.Offset())
	}
	s.Next()
	s.Next()
	s.Next() // last address of the block
	if s.Offset() != 2 {
		t.Fatalf("expected offset 2 after the block, got %d", s.Offset())
	}
}

func TestLineSourceHostnamePassesThrough(t *testing.T) {
	s := NewLineSource(strings.NewReader("example.com\nhost/path\n"), 0)
	got := collect(s)
	if len(got) != 2 || got[0] != "example.com" || got[1] != "host/path" {
		t.Fatalf("unexpected targets %v", got)
	}
}
