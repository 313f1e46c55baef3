package relay

import "testing"

func TestParseRelayLocationRewritesHostPortMount(t *testing.T) {
	m, err := parseRelayLocation("http://backup.example:8010/live.mp3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Host != "backup.example" || m.Port != 8010 || m.Mount != "/live.mp3" {
		t.Fatalf("unexpected master: %+v", m)
	}
}

func TestParseRelayLocationDefaultsPort80(t *testing.T) {
	m, err := parseRelayLocation("http://backup.example/live.mp3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Port != 80 {
		t.Fatalf("expected default port 80, got %d", m.Port)
	}
}

func TestParseRelayLocationRejectsNonHTTP(t *testing.T) {
	if _, err := parseRelayLocation("https://backup.example/live.mp3"); err == nil {
		t.Fatalf("expected an error for a non-http scheme")
	}
}

func TestIcyStripperRemovesMetadataBlocks(t *testing.T) {
	var got string
	s := newIcyStripper(4, func(title string) { got = title })

	audioA := []byte{1, 2, 3, 4}
	meta := "StreamTitle='Test Song';"
	metaBlock := make([]byte, 0, 17)
	blockCount := byte((len(meta) + 15) / 16)
	metaBlock = append(metaBlock, blockCount)
	padded := make([]byte, int(blockCount)*16)
	copy(padded, meta)
	metaBlock = append(metaBlock, padded...)

	audioB := []byte{5, 6, 7, 8}

	var feed []byte
	feed = append(feed, audioA...)
	feed = append(feed, metaBlock...)
	feed = append(feed, audioB...)

	out := s.feed(feed)
	want := append(append([]byte{}, audioA...), audioB...)

	if len(out) != len(want) {
		t.Fatalf("expected stripped output length %d, got %d (%v)", len(want), len(out), out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("mismatch at %d: want %v got %v", i, want, out)
		}
	}
	if got != "Test Song" {
		t.Fatalf("expected parsed title %q, got %q", "Test Song", got)
	}
}

func TestIcyStripperPassthroughWhenNoInterval(t *testing.T) {
	s := newIcyStripper(0, nil)
	data := []byte{1, 2, 3, 4, 5}
	out := s.feed(data)
	if len(out) != len(data) {
		t.Fatalf("expected passthrough of all bytes, got %v", out)
	}
}

func TestParseStreamTitleExtractsValue(t *testing.T) {
	got := parseStreamTitle("StreamTitle='Artist - Song';StreamUrl='';")
	if got != "Artist - Song" {
		t.Fatalf("unexpected title: %q", got)
	}
}
