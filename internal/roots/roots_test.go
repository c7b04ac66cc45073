package roots

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/lmtoolsbridge/broker/internal/session"
)

type fakeSessions struct {
	started  bool
	resolved bool
	lastID   string
	result   session.RootsSyncResult
}

func (f *fakeSessions) StartRoots(sessionID, id string, reason session.RootsReason, at time.Time) bool {
	if f.started {
		return false
	}
	f.started = true
	f.lastID = id
	return true
}

func (f *fakeSessions) ResolveRoots(sessionID, id string, result session.RootsSyncResult) bool {
	if id != f.lastID {
		return false
	}
	f.resolved = true
	f.result = result
	return true
}

func TestDispatchSkipsWithoutSSE(t *testing.T) {
	var buf bytes.Buffer
	sessions := &fakeSessions{}
	res, err := Dispatch(sessions, &buf, nil, "s1", session.RootsReasonInitialized, false, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != DispatchSkipNoSSE {
		t.Fatalf("expected skip_no_sse, got %s", res)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected nothing written without SSE")
	}
}

func TestDispatchWritesSSEFrame(t *testing.T) {
	var buf bytes.Buffer
	sessions := &fakeSessions{}
	res, err := Dispatch(sessions, &buf, nil, "s1", session.RootsReasonInitialized, true, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != DispatchSent {
		t.Fatalf("expected sent, got %s", res)
	}
	if !strings.Contains(buf.String(), `"method":"roots/list"`) {
		t.Fatalf("expected roots/list frame written, got %q", buf.String())
	}
	if !strings.HasPrefix(buf.String(), "data: ") {
		t.Fatalf("expected SSE data: framing")
	}
}

func TestDispatchSingleFlight(t *testing.T) {
	var buf bytes.Buffer
	sessions := &fakeSessions{}
	Dispatch(sessions, &buf, nil, "s1", session.RootsReasonInitialized, true, time.Now())

	res, err := Dispatch(sessions, &buf, nil, "s1", session.RootsReasonListChanged, true, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != DispatchSkipPending {
		t.Fatalf("expected skip_already_pending, got %s", res)
	}
}

func TestResolveBuildsPreview(t *testing.T) {
	sessions := &fakeSessions{started: true, lastID: "req-1"}
	roots := []Root{{URI: "file:///work/alpha", Name: "alpha"}}

	ok := Resolve(sessions, "s1", "req-1", roots, "", time.Now())
	if !ok {
		t.Fatalf("expected resolve to match pending id")
	}
	if !sessions.resolved {
		t.Fatalf("expected underlying ResolveRoots called")
	}
	if sessions.result.Count != 1 || len(sessions.result.Preview) != 1 || sessions.result.Preview[0] != "alpha -> file:///work/alpha" {
		t.Fatalf("expected count=1 and preview [alpha -> file:///work/alpha], got %+v", sessions.result)
	}
}

func TestResolveIgnoresMismatchedID(t *testing.T) {
	sessions := &fakeSessions{started: true, lastID: "req-1"}
	ok := Resolve(sessions, "s1", "wrong-id", nil, "", time.Now())
	if ok {
		t.Fatalf("expected resolve to reject a non-matching id")
	}
}
