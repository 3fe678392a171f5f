package opscope

import (
	"testing"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// fakeChannel scripts inbound bytes for a session. The test
// feeds chunks through reads; closing reads simulates remote
// EOF and lets the pump drain everything first.
type fakeChannel struct {
	reads chan []byte
	done  chan struct{}
	once  sync.Once

	mutex   sync.Mutex
	written [][]byte
	resizes [][2]int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		reads: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (channel *fakeChannel) Read(buff []byte) (int, error) {
	select {
	case chunk, ok := <-channel.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(buff, chunk), nil
	case <-channel.done:
		return 0, io.EOF
	}
}

func (channel *fakeChannel) Write(data []byte) (int, error) {
	channel.mutex.Lock()
	channel.written = append(channel.written, append([]byte(nil), data...))
	channel.mutex.Unlock()
	return len(data), nil
}

func (channel *fakeChannel) WindowChange(rows, cols int) error {
	channel.mutex.Lock()
	channel.resizes = append(channel.resizes, [2]int{rows, cols})
	channel.mutex.Unlock()
	return nil
}

func (channel *fakeChannel) Close() error {
	channel.once.Do(func() { close(channel.done) })
	return nil
}

// fakeConn stands in for the SSH client. Wait blocks until
// Close, matching the real client's behavior.
type fakeConn struct {
	mutex    sync.Mutex
	channels []*fakeChannel
	opened   int
	openErr  error
	pingErr  error
	pings    int
	waitCh   chan struct{}
	once     sync.Once
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{waitCh: make(chan struct{})}
}

func (conn *fakeConn) OpenShell(termType string, rows, cols int) (remoteChannel, error) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.openErr != nil {
		return nil, conn.openErr
	}
	channel := newFakeChannel()
	conn.channels = append(conn.channels, channel)
	conn.opened += 1
	return channel, nil
}

func (conn *fakeConn) Ping() error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.pings += 1
	return conn.pingErr
}

func (conn *fakeConn) Wait() error {
	<-conn.waitCh
	return errors.New("connection closed")
}

func (conn *fakeConn) Close() error {
	conn.once.Do(func() {
		conn.mutex.Lock()
		conn.closed = true
		conn.mutex.Unlock()
		close(conn.waitCh)
	})
	return nil
}

func (conn *fakeConn) isClosed() bool {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.closed
}

func connectedManager(t *testing.T, hub *EventHub) (*ConnectionManager, *fakeConn) {
	t.Helper()
	manager := NewConnectionManager(hub, nil)
	conn := newFakeConn()
	manager.dial = func(addr string, config *ssh.ClientConfig) (remoteConn, error) {
		return conn, nil
	}
	if err := manager.Connect(ConnectConfig{Host: "10.0.0.5", Username: "operator", Password: "pw"}); err != nil {
		t.Fatalf(`Connect failed with a working dial: %v`, err)
	}
	return manager, conn
}

func TestConnectTransitionsToConnected(t *testing.T) {
	manager, _ := connectedManager(t, nil)
	status := manager.Status()
	if status.Phase != PHASE_CONNECTED {
		t.Fatalf(`Connect left wrong phase. Wanted "connected"; got: %v`, status.Phase)
	}
	if status.Host != "10.0.0.5" {
		t.Errorf(`Connect stored wrong host. Wanted "10.0.0.5"; got: %v`, status.Host)
	}
}

func TestConnectWhileConnectedIsIdempotent(t *testing.T) {
	hub := NewEventHub(nil)
	connecting := 0
	hub.Subscribe(func(event Event) {
		if event.Status != nil && event.Status.Phase == PHASE_CONNECTING {
			connecting += 1
		}
	}, EVENT_STATUS_CHANGED)

	manager, conn := connectedManager(t, hub)

	if err := manager.Connect(ConnectConfig{Host: "10.0.0.5", Username: "operator"}); err != nil {
		t.Fatalf(`Connect while connected failed: %v`, err)
	}
	if connecting != 1 {
		t.Errorf(`repeated Connect emitted another Connecting transition. Wanted 1; got: %v`, connecting)
	}
	if conn.isClosed() {
		t.Errorf(`repeated Connect tore down the live connection`)
	}
}

func TestConnectWhileConnectingFails(t *testing.T) {
	manager := NewConnectionManager(nil, nil)
	release := make(chan struct{})
	manager.dial = func(addr string, config *ssh.ClientConfig) (remoteConn, error) {
		<-release
		return newFakeConn(), nil
	}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- manager.Connect(ConnectConfig{Host: "10.0.0.5", Username: "operator"})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for manager.Status().Phase != PHASE_CONNECTING {
		if time.Now().After(deadline) {
			t.Fatalf(`first Connect never entered the connecting phase`)
		}
		time.Sleep(time.Millisecond)
	}

	err := manager.Connect(ConnectConfig{Host: "10.0.0.5", Username: "operator"})
	if !errors.Is(err, ErrConnectInProgress) {
		t.Fatalf(`second Connect wrong error. Wanted ErrConnectInProgress; got: %v`, err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf(`first Connect failed after release: %v`, err)
	}
}

func TestConnectTimeoutDiscardsLateSuccess(t *testing.T) {
	manager := NewConnectionManager(nil, nil)
	manager.connectTimeout = 20 * time.Millisecond
	conn := newFakeConn()
	manager.dial = func(addr string, config *ssh.ClientConfig) (remoteConn, error) {
		time.Sleep(100 * time.Millisecond)
		return conn, nil
	}

	err := manager.Connect(ConnectConfig{Host: "10.0.0.5", Username: "operator"})
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf(`Connect wrong error on timeout. Wanted ErrConnectTimeout; got: %v`, err)
	}
	if manager.Status().Phase != PHASE_DISCONNECTED {
		t.Errorf(`timed-out Connect left wrong phase. Wanted "disconnected"; got: %v`, manager.Status().Phase)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !conn.isClosed() {
		if time.Now().After(deadline) {
			t.Fatalf(`late dial success was never closed`)
		}
		time.Sleep(time.Millisecond)
	}
	if manager.Status().Phase != PHASE_DISCONNECTED {
		t.Errorf(`late dial success was applied after timeout`)
	}
}

func TestConnectDialErrorReportsAuthFailed(t *testing.T) {
	manager := NewConnectionManager(nil, nil)
	manager.dial = func(addr string, config *ssh.ClientConfig) (remoteConn, error) {
		return nil, errors.New("ssh: unable to authenticate")
	}

	err := manager.Connect(ConnectConfig{Host: "10.0.0.5", Username: "operator", Password: "bad"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf(`Connect wrong error on dial failure. Wanted ErrAuthFailed; got: %v`, err)
	}
	status := manager.Status()
	if status.Phase != PHASE_DISCONNECTED {
		t.Errorf(`failed Connect left wrong phase. Wanted "disconnected"; got: %v`, status.Phase)
	}
	if status.LastError == "" {
		t.Errorf(`failed Connect recorded no last error`)
	}
}

func TestConnectRefusedIsNotAuthFailure(t *testing.T) {
	manager := NewConnectionManager(nil, nil)
	manager.dial = func(addr string, config *ssh.ClientConfig) (remoteConn, error) {
		return nil, errors.New("dial tcp 10.0.0.5:22: connect: connection refused")
	}

	err := manager.Connect(ConnectConfig{Host: "10.0.0.5", Username: "operator", Password: "pw"})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf(`Connect wrong error on refused dial. Wanted ErrConnectFailed; got: %v`, err)
	}
	if errors.Is(err, ErrAuthFailed) {
		t.Errorf(`network refusal was reported as an auth failure`)
	}
}

func TestDisconnectDuringConnectAborts(t *testing.T) {
	manager := NewConnectionManager(nil, nil)
	conn := newFakeConn()
	release := make(chan struct{})
	manager.dial = func(addr string, config *ssh.ClientConfig) (remoteConn, error) {
		<-release
		return conn, nil
	}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- manager.Connect(ConnectConfig{Host: "10.0.0.5", Username: "operator"})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for manager.Status().Phase != PHASE_CONNECTING {
		if time.Now().After(deadline) {
			t.Fatalf(`Connect never entered the connecting phase`)
		}
		time.Sleep(time.Millisecond)
	}

	manager.Disconnect()
	close(release)

	err := <-firstDone
	if !errors.Is(err, ErrConnectAborted) {
		t.Fatalf(`aborted Connect wrong error. Wanted ErrConnectAborted; got: %v`, err)
	}
	if !conn.isClosed() {
		t.Errorf(`aborted Connect leaked the dialed connection`)
	}
	if manager.Status().Phase != PHASE_DISCONNECTED {
		t.Errorf(`aborted Connect left wrong phase. Wanted "disconnected"; got: %v`, manager.Status().Phase)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	manager, conn := connectedManager(t, nil)
	manager.Disconnect()
	manager.Disconnect()

	if manager.Status().Phase != PHASE_DISCONNECTED {
		t.Fatalf(`Disconnect left wrong phase. Wanted "disconnected"; got: %v`, manager.Status().Phase)
	}
	if !conn.isClosed() {
		t.Errorf(`Disconnect never closed the connection`)
	}
}

func TestRemoteCloseCascades(t *testing.T) {
	manager, conn := connectedManager(t, nil)
	cascaded := make(chan struct{})
	manager.setCascade(func() { close(cascaded) })

	conn.Close()

	select {
	case <-cascaded:
	case <-time.After(2 * time.Second):
		t.Fatalf(`remote close never triggered the cascade`)
	}
	if manager.Status().Phase != PHASE_DISCONNECTED {
		t.Errorf(`remote close left wrong phase. Wanted "disconnected"; got: %v`, manager.Status().Phase)
	}
}

func TestTestConnectionLeavesStateAlone(t *testing.T) {
	manager, _ := connectedManager(t, nil)
	testConn := newFakeConn()
	manager.dial = func(addr string, config *ssh.ClientConfig) (remoteConn, error) {
		return testConn, nil
	}

	if err := manager.TestConnection(ConnectConfig{Host: "10.0.0.9", Username: "probe"}); err != nil {
		t.Fatalf(`TestConnection failed with a working dial: %v`, err)
	}
	if !testConn.isClosed() {
		t.Errorf(`TestConnection left its probe connection open`)
	}
	status := manager.Status()
	if status.Phase != PHASE_CONNECTED || status.Host != "10.0.0.5" {
		t.Errorf(`TestConnection disturbed the shared connection state; got: %+v`, status)
	}
}

func TestKeepaliveFailureTearsDownConnection(t *testing.T) {
	manager := NewConnectionManager(nil, nil)
	manager.keepAliveInterval = 5 * time.Millisecond
	conn := newFakeConn()
	conn.pingErr = errors.New("broken pipe")
	manager.dial = func(addr string, config *ssh.ClientConfig) (remoteConn, error) {
		return conn, nil
	}
	cascaded := make(chan struct{})
	manager.setCascade(func() { close(cascaded) })

	if err := manager.Connect(ConnectConfig{Host: "10.0.0.5", Username: "operator"}); err != nil {
		t.Fatalf(`Connect failed with a working dial: %v`, err)
	}

	select {
	case <-cascaded:
	case <-time.After(2 * time.Second):
		t.Fatalf(`keepalive failure never tore the connection down`)
	}
	if manager.Status().Phase != PHASE_DISCONNECTED {
		t.Errorf(`keepalive failure left wrong phase. Wanted "disconnected"; got: %v`, manager.Status().Phase)
	}
}

func TestOpenShellRequiresConnected(t *testing.T) {
	manager := NewConnectionManager(nil, nil)
	_, err := manager.openShell(DEFAULT_TERM_TYPE, 24, 80)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf(`openShell while disconnected wrong error. Wanted ErrNotConnected; got: %v`, err)
	}
}
