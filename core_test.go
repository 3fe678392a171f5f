package opscope

import (
	"testing"
	"strings"

	"golang.org/x/crypto/ssh"
)

func testCore(t *testing.T) (*Core, *memoryStore, *fakeConn) {
	t.Helper()
	store := newMemoryStore()
	store.AddTarget("target-1", "context-1")
	core := NewCore(store, nil)
	t.Cleanup(core.Shutdown)
	conn := newFakeConn()
	core.Manager.dial = func(addr string, config *ssh.ClientConfig) (remoteConn, error) {
		return conn, nil
	}
	return core, store, conn
}

func TestHandleRequestConnectAndStatus(t *testing.T) {
	core, _, _ := testCore(t)

	reply := core.HandleRequest(ControlRequest{
		Op:      OP_CONNECTION_CONNECT,
		Connect: &ConnectConfig{Host: "10.0.0.5", Username: "operator", Password: "pw"},
	})
	if !reply.OK {
		t.Fatalf(`connect request failed: %v`, reply.Error)
	}
	if reply.Op != OP_CONNECTION_CONNECT+"-reply" {
		t.Errorf(`reply op was wrong; got: %v`, reply.Op)
	}
	if reply.Status == nil || reply.Status.Phase != PHASE_CONNECTED {
		t.Errorf(`connect reply carried wrong status; got: %+v`, reply.Status)
	}

	reply = core.HandleRequest(ControlRequest{Op: OP_CONNECTION_STATUS})
	if !reply.OK || reply.Status.Phase != PHASE_CONNECTED {
		t.Errorf(`status reply was wrong; got: %+v`, reply.Status)
	}
}

func TestHandleRequestConnectMissingConfig(t *testing.T) {
	core, _, _ := testCore(t)
	reply := core.HandleRequest(ControlRequest{Op: OP_CONNECTION_CONNECT})
	if reply.OK {
		t.Fatalf(`connect without config succeeded when it shouldn't have`)
	}
}

func TestHandleRequestSessionOpenNotConnected(t *testing.T) {
	core, _, _ := testCore(t)
	reply := core.HandleRequest(ControlRequest{Op: OP_SESSION_OPEN, OwnerContextID: "context-1"})
	if reply.OK {
		t.Fatalf(`session.open succeeded while disconnected`)
	}
	if !strings.Contains(reply.Error, ErrNotConnected.Error()) {
		t.Errorf(`session.open wrong error. Wanted NotConnected; got: %v`, reply.Error)
	}
}

func TestHandleRequestSessionLifecycle(t *testing.T) {
	core, _, _ := testCore(t)
	core.HandleRequest(ControlRequest{
		Op:      OP_CONNECTION_CONNECT,
		Connect: &ConnectConfig{Host: "10.0.0.5", Username: "operator", Password: "pw"},
	})

	opened := core.HandleRequest(ControlRequest{Op: OP_SESSION_OPEN, OwnerContextID: "context-1"})
	if !opened.OK || opened.SessionID == "" {
		t.Fatalf(`session.open failed: %v`, opened.Error)
	}

	listed := core.HandleRequest(ControlRequest{Op: OP_SESSION_LIST})
	if len(listed.Sessions) != 1 || listed.Sessions[0] != opened.SessionID {
		t.Errorf(`session.list was wrong; got: %v`, listed.Sessions)
	}

	written := core.HandleRequest(ControlRequest{Op: OP_SESSION_WRITE, SessionID: opened.SessionID, Data: []byte("id\n")})
	if !written.OK {
		t.Errorf(`session.write failed: %v`, written.Error)
	}

	resized := core.HandleRequest(ControlRequest{Op: OP_SESSION_RESIZE, SessionID: opened.SessionID, Cols: 100, Rows: 30})
	if !resized.OK {
		t.Errorf(`session.resize failed: %v`, resized.Error)
	}

	closed := core.HandleRequest(ControlRequest{Op: OP_SESSION_CLOSE, SessionID: opened.SessionID})
	if !closed.OK {
		t.Errorf(`session.close failed: %v`, closed.Error)
	}
	if len(core.Mux.SessionIDs()) != 0 {
		t.Errorf(`session.close left the session registered`)
	}
}

func TestHandleRequestAnalysisRun(t *testing.T) {
	core, store, _ := testCore(t)
	reply := core.HandleRequest(ControlRequest{
		Op:       OP_ANALYSIS_RUN,
		TargetID: "target-1",
		Text:     "22/tcp open ssh OpenSSH 8.9p1\n",
	})
	if !reply.OK || reply.Analysis == nil {
		t.Fatalf(`analysis.run failed: %v`, reply.Error)
	}
	if len(reply.Analysis.Services) == 0 {
		t.Fatalf(`analysis.run detected nothing in ssh scan output`)
	}
	metadata, _ := store.TargetMetadata("target-1")
	if len(metadata.DetectedServices) == 0 {
		t.Errorf(`analysis.run did not persist detections`)
	}
}

func TestHandleRequestAttackPathOps(t *testing.T) {
	core, _, _ := testCore(t)

	set := core.HandleRequest(ControlRequest{
		Op:       OP_ATTACK_PATH_SET_STATUS,
		TargetID: "target-1",
		PathID:   "enumeration",
		StepID:   "port-scan",
		Status:   STATUS_COMPLETED,
		Notes:    "confirmed",
	})
	if !set.OK {
		t.Fatalf(`attackPath.setStatus failed: %v`, set.Error)
	}

	bad := core.HandleRequest(ControlRequest{
		Op:       OP_ATTACK_PATH_SET_STATUS,
		TargetID: "target-1",
		PathID:   "enumeration",
		StepID:   "port-scan",
		Status:   "finished",
	})
	if bad.OK {
		t.Fatalf(`attackPath.setStatus accepted an invalid status`)
	}

	listed := core.HandleRequest(ControlRequest{Op: OP_ATTACK_PATH_LIST, TargetID: "target-1"})
	if !listed.OK || len(listed.Progress) != 1 {
		t.Fatalf(`attackPath.list was wrong; got: %+v`, listed.Progress)
	}
	if listed.Progress[0].Status != STATUS_COMPLETED {
		t.Errorf(`attackPath.list status was wrong. Wanted "completed"; got: %v`, listed.Progress[0].Status)
	}
}

func TestHandleRequestTargetMetadata(t *testing.T) {
	core, _, _ := testCore(t)
	core.HandleRequest(ControlRequest{Op: OP_ANALYSIS_RUN, TargetID: "target-1", Text: "80/tcp open http\n"})

	reply := core.HandleRequest(ControlRequest{Op: OP_TARGET_METADATA, TargetID: "target-1"})
	if !reply.OK || reply.Metadata == nil {
		t.Fatalf(`target.metadata failed: %v`, reply.Error)
	}
	if len(reply.Metadata.DetectedServices) == 0 {
		t.Errorf(`target.metadata carried no services`)
	}
}

func TestHandleRequestUnknownOp(t *testing.T) {
	core, _, _ := testCore(t)
	reply := core.HandleRequest(ControlRequest{Op: "no.such.op"})
	if reply.OK {
		t.Fatalf(`unknown op succeeded when it shouldn't have`)
	}
	if !strings.Contains(reply.Error, "no.such.op") {
		t.Errorf(`unknown op error did not name the op; got: %v`, reply.Error)
	}
}
