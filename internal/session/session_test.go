package session

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/google/uuid"

	"p4switch/util"
)

func TestNew_AssignsUniqueIDs(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s1 := New(a, util.Discard())
	s2 := New(b, util.Discard())

	if _, err := uuid.Parse(s1.ID); err != nil {
		t.Fatalf("ID %q is not a UUID: %v", s1.ID, err)
	}
	if s1.ID == s2.ID {
		t.Error("sessions should have distinct IDs")
	}
	if s1.Peer() == "" {
		t.Error("peer should not be empty")
	}
}

func TestNew_ScopesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := util.NewLogger(int(util.LogNormal))
	logger.SetOutput(&buf)

	s := New(nil, logger.With("control"))
	s.Logger.Info("opened")

	want := "control.session " + s.ID[:8] + ": opened"
	if !strings.Contains(buf.String(), want) {
		t.Errorf("log line %q does not contain %q", buf.String(), want)
	}
	if s.Peer() != "unknown" {
		t.Errorf("peer = %q, want unknown", s.Peer())
	}
}
