package relay

import (
	"net/url"
	"strings"
	"testing"

	"github.com/gocast/gocast/internal/config"
)

func TestParseStreamListSkipsBlankAndComments(t *testing.T) {
	input := "/live\n# a comment\n\n/talk\n"
	mounts, err := parseStreamList(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mounts) != 2 || mounts[0] != "/live" || mounts[1] != "/talk" {
		t.Fatalf("unexpected mounts: %v", mounts)
	}
}

func TestParseStreamListAddsLeadingSlash(t *testing.T) {
	mounts, err := parseStreamList(strings.NewReader("live\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mounts) != 1 || mounts[0] != "/live" {
		t.Fatalf("expected leading slash to be added, got %v", mounts)
	}
}

func TestParseStreamListRejectsOverlongLine(t *testing.T) {
	long := strings.Repeat("a", maxPartialLine*2)
	_, err := parseStreamList(strings.NewReader(long))
	if err == nil {
		t.Fatalf("expected an error for a line exceeding the partial-line cap")
	}
}

func TestRegistrationQueryCarriesSelfAddressAndInterval(t *testing.T) {
	p := NewMasterPoller(&config.MasterConfig{UpdateInterval: 30}, nil, nil, "relay.example.org", 8001)

	values, err := url.ParseQuery(p.registrationQuery())
	if err != nil {
		t.Fatalf("registrationQuery produced invalid query: %v", err)
	}
	if values.Get("rserver") != "relay.example.org" {
		t.Fatalf("expected rserver=relay.example.org, got %q", values.Get("rserver"))
	}
	if values.Get("rport") != "8001" {
		t.Fatalf("expected rport=8001, got %q", values.Get("rport"))
	}
	if values.Get("interval") != "30" {
		t.Fatalf("expected interval=30, got %q", values.Get("interval"))
	}
}

func TestRegistrationQueryDefaultsIntervalWhenUnset(t *testing.T) {
	p := NewMasterPoller(&config.MasterConfig{}, nil, nil, "relay.example.org", 8001)

	values, err := url.ParseQuery(p.registrationQuery())
	if err != nil {
		t.Fatalf("registrationQuery produced invalid query: %v", err)
	}
	if values.Get("interval") != "120" {
		t.Fatalf("expected default interval 120, got %q", values.Get("interval"))
	}
}
