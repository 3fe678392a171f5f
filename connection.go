package opscope

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const PHASE_DISCONNECTED string = "disconnected"
const PHASE_CONNECTING string = "connecting"
const PHASE_CONNECTED string = "connected"

const CONNECT_TIMEOUT time.Duration = 30 * time.Second
const TEST_CONNECT_TIMEOUT time.Duration = 10 * time.Second
const KEEPALIVE_INTERVAL time.Duration = 30 * time.Second

var ErrNotConnected = errors.New("not connected to execution host")
var ErrConnectInProgress = errors.New("a connection attempt is already in progress")
var ErrConnectTimeout = errors.New("connection attempt timed out")
var ErrConnectAborted = errors.New("connection attempt aborted")
var ErrConnectFailed = errors.New("connection failed")
var ErrAuthFailed = errors.New("authentication failed")

// ConnectConfig describes how to reach the delegated
// execution host. If PrivateKeyPath names an existing file,
// key auth is attempted; otherwise password auth. Never both.
type ConnectConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	Username       string `json:"username" yaml:"username"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
}

func (config *ConnectConfig) address() string {
	port := config.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(config.Host, strconv.Itoa(port))
}

// StatusSnapshot is the wire form of the connection state.
type StatusSnapshot struct {
	Phase         string `json:"phase"`
	Host          string `json:"host,omitempty"`
	Username      string `json:"username,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	ConnectedAt   int64  `json:"connected_at,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
}

// remoteChannel is one interactive command stream multiplexed
// over the shared connection. Exactly one TerminalSession owns
// each channel.
type remoteChannel interface {
	io.ReadWriteCloser
	WindowChange(rows, cols int) error
}

// remoteConn is the live authenticated connection to the
// execution host.
type remoteConn interface {
	OpenShell(termType string, rows, cols int) (remoteChannel, error)
	Ping() error
	Wait() error
	Close() error
}

type dialFunc func(addr string, config *ssh.ClientConfig) (remoteConn, error)

// ConnectionManager owns the single remote connection.
// It is created once at startup and injected wherever the
// connection is needed, so "exactly one live connection" is
// a constructor-enforced property rather than a convention.
type ConnectionManager struct {
	mutex       sync.Mutex
	phase       string
	host        string
	username    string
	lastError   error
	connectedAt time.Time
	conn        remoteConn
	generation  uint64

	dial    dialFunc
	hub     *EventHub
	log     *log.Logger
	cascade func()

	connectTimeout    time.Duration
	testTimeout       time.Duration
	keepAliveInterval time.Duration
}

func NewConnectionManager(hub *EventHub, logger *log.Logger) *ConnectionManager {
	if logger == nil {
		logger = log.Default()
	}
	return &ConnectionManager{
		phase:             PHASE_DISCONNECTED,
		dial:              dialSSH,
		hub:               hub,
		log:               logger,
		connectTimeout:    CONNECT_TIMEOUT,
		testTimeout:       TEST_CONNECT_TIMEOUT,
		keepAliveInterval: KEEPALIVE_INTERVAL,
	}
}

// setCascade registers the callback run whenever the manager
// leaves the connected phase, so dependent sessions can be
// torn down. Registered once by the multiplexer.
func (manager *ConnectionManager) setCascade(cascade func()) {
	manager.mutex.Lock()
	manager.cascade = cascade
	manager.mutex.Unlock()
}

// classifyDialError separates credential rejections from
// network-level failures so the UI can tell a bad password
// from an unreachable host.
func classifyDialError(err error) error {
	message := err.Error()
	if strings.Contains(message, "unable to authenticate") ||
		strings.Contains(message, "permission denied") ||
		strings.Contains(message, "no supported methods remain") {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectFailed, err)
}

func buildAuthMethod(config ConnectConfig) (ssh.AuthMethod, error) {
	if config.PrivateKeyPath != "" {
		if _, err := os.Stat(config.PrivateKeyPath); err == nil {
			keyBytes, err := os.ReadFile(config.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("read private key: %w", err)
			}
			signer, err := ssh.ParsePrivateKey(keyBytes)
			if err != nil {
				return nil, fmt.Errorf("parse private key: %w", err)
			}
			return ssh.PublicKeys(signer), nil
		}
	}
	return ssh.Password(config.Password), nil
}

func (manager *ConnectionManager) clientConfig(config ConnectConfig, timeout time.Duration) (*ssh.ClientConfig, error) {
	auth, err := buildAuthMethod(config)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            config.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Connect establishes the shared connection. Calling while
// already connected succeeds without reconnecting. Calling
// while an attempt is in flight fails with
// ErrConnectInProgress.
func (manager *ConnectionManager) Connect(config ConnectConfig) error {
	manager.mutex.Lock()
	switch manager.phase {
	case PHASE_CONNECTED:
		manager.mutex.Unlock()
		return nil
	case PHASE_CONNECTING:
		manager.mutex.Unlock()
		return ErrConnectInProgress
	}
	manager.phase = PHASE_CONNECTING
	manager.host = config.Host
	manager.username = config.Username
	manager.lastError = nil
	manager.generation += 1
	generation := manager.generation
	manager.mutex.Unlock()
	manager.notifyStatus()

	sshConfig, err := manager.clientConfig(config, manager.connectTimeout)
	if err != nil {
		manager.failConnect(generation, err)
		return err
	}

	type dialResult struct {
		conn remoteConn
		err  error
	}
	results := make(chan dialResult, 1)
	go func() {
		conn, err := manager.dial(config.address(), sshConfig)
		results <- dialResult{conn, err}
	}()

	var result dialResult
	select {
	case result = <-results:
	case <-time.After(manager.connectTimeout):
		// The attempt is abandoned. A success that lands
		// later is stale and gets closed, never applied.
		go func() {
			if late := <-results; late.conn != nil {
				late.conn.Close()
			}
		}()
		manager.failConnect(generation, ErrConnectTimeout)
		return ErrConnectTimeout
	}

	if result.err != nil {
		err := classifyDialError(result.err)
		manager.failConnect(generation, err)
		return err
	}

	manager.mutex.Lock()
	if manager.generation != generation || manager.phase != PHASE_CONNECTING {
		// State moved on while the dial was in flight,
		// usually an explicit Disconnect.
		manager.mutex.Unlock()
		result.conn.Close()
		return ErrConnectAborted
	}
	manager.conn = result.conn
	manager.phase = PHASE_CONNECTED
	manager.connectedAt = time.Now()
	manager.mutex.Unlock()
	manager.notifyStatus()
	manager.log.Printf("connected to %v as %v\n", config.Host, config.Username)

	go manager.watchRemoteClose(result.conn, generation)
	go manager.keepAliveLoop(result.conn, generation)
	return nil
}

// keepAliveLoop pings the remote at a fixed interval so a
// silently dead link is noticed without waiting for traffic.
// A failed ping closes the connection, which surfaces through
// watchRemoteClose like any other remote close.
func (manager *ConnectionManager) keepAliveLoop(conn remoteConn, generation uint64) {
	ticker := time.NewTicker(manager.keepAliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		manager.mutex.Lock()
		stale := manager.generation != generation || manager.phase != PHASE_CONNECTED
		manager.mutex.Unlock()
		if stale {
			return
		}
		if err := conn.Ping(); err != nil {
			manager.log.Printf("keepalive failed: %v\n", err)
			conn.Close()
			return
		}
	}
}

func (manager *ConnectionManager) failConnect(generation uint64, err error) {
	manager.mutex.Lock()
	if manager.generation != generation {
		manager.mutex.Unlock()
		return
	}
	manager.phase = PHASE_DISCONNECTED
	manager.lastError = err
	manager.connectedAt = time.Time{}
	manager.mutex.Unlock()
	manager.log.Printf("connect failed: %v\n", err)
	manager.notifyStatus()
}

// watchRemoteClose turns a remote-initiated close into the
// same teardown as an explicit Disconnect, plus the cascade
// to every open session whose channel just died.
func (manager *ConnectionManager) watchRemoteClose(conn remoteConn, generation uint64) {
	err := conn.Wait()
	manager.mutex.Lock()
	if manager.generation != generation || manager.phase != PHASE_CONNECTED {
		manager.mutex.Unlock()
		return
	}
	manager.phase = PHASE_DISCONNECTED
	manager.lastError = err
	manager.connectedAt = time.Time{}
	manager.conn = nil
	cascade := manager.cascade
	manager.mutex.Unlock()
	manager.log.Printf("remote closed connection: %v\n", err)
	if cascade != nil {
		cascade()
	}
	manager.notifyStatus()
}

// Disconnect tears the connection down. Idempotent; always
// ends disconnected.
func (manager *ConnectionManager) Disconnect() {
	manager.mutex.Lock()
	conn := manager.conn
	wasConnected := manager.phase == PHASE_CONNECTED
	manager.conn = nil
	manager.phase = PHASE_DISCONNECTED
	manager.connectedAt = time.Time{}
	manager.generation += 1
	cascade := manager.cascade
	manager.mutex.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected && cascade != nil {
		cascade()
	}
	manager.notifyStatus()
}

// TestConnection validates credentials over an independent,
// short-lived connection. The shared connection state is
// never touched.
func (manager *ConnectionManager) TestConnection(config ConnectConfig) error {
	sshConfig, err := manager.clientConfig(config, manager.testTimeout)
	if err != nil {
		return err
	}
	type dialResult struct {
		conn remoteConn
		err  error
	}
	results := make(chan dialResult, 1)
	go func() {
		conn, err := manager.dial(config.address(), sshConfig)
		results <- dialResult{conn, err}
	}()
	select {
	case result := <-results:
		if result.err != nil {
			return classifyDialError(result.err)
		}
		result.conn.Close()
		return nil
	case <-time.After(manager.testTimeout):
		go func() {
			if late := <-results; late.conn != nil {
				late.conn.Close()
			}
		}()
		return ErrConnectTimeout
	}
}

func (manager *ConnectionManager) Status() StatusSnapshot {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	snapshot := StatusSnapshot{
		Phase:    manager.phase,
		Host:     manager.host,
		Username: manager.username,
	}
	if manager.lastError != nil {
		snapshot.LastError = manager.lastError.Error()
	}
	if manager.phase == PHASE_CONNECTED {
		snapshot.ConnectedAt = manager.connectedAt.Unix()
		snapshot.UptimeSeconds = int64(time.Since(manager.connectedAt).Seconds())
	}
	return snapshot
}

// openShell requests a fresh interactive channel on the shared
// connection. Only the session multiplexer calls this, and
// only while connected.
func (manager *ConnectionManager) openShell(termType string, rows, cols int) (remoteChannel, error) {
	manager.mutex.Lock()
	conn := manager.conn
	phase := manager.phase
	manager.mutex.Unlock()
	if phase != PHASE_CONNECTED || conn == nil {
		return nil, ErrNotConnected
	}
	return conn.OpenShell(termType, rows, cols)
}

func (manager *ConnectionManager) notifyStatus() {
	if manager.hub == nil {
		return
	}
	status := manager.Status()
	manager.hub.Publish(Event{Type: EVENT_STATUS_CHANGED, Status: &status})
}

// sshRemoteConn adapts an *ssh.Client to remoteConn.
type sshRemoteConn struct {
	client *ssh.Client
}

func dialSSH(addr string, config *ssh.ClientConfig) (remoteConn, error) {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, err
	}
	return &sshRemoteConn{client: client}, nil
}

func (conn *sshRemoteConn) OpenShell(termType string, rows, cols int) (remoteChannel, error) {
	session, err := conn.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(termType, rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &sshShellChannel{session: session, stdin: stdin, stdout: stdout}, nil
}

func (conn *sshRemoteConn) Ping() error {
	_, _, err := conn.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (conn *sshRemoteConn) Wait() error {
	return conn.client.Wait()
}

func (conn *sshRemoteConn) Close() error {
	return conn.client.Close()
}

type sshShellChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (channel *sshShellChannel) Read(buff []byte) (int, error) {
	return channel.stdout.Read(buff)
}

func (channel *sshShellChannel) Write(data []byte) (int, error) {
	return channel.stdin.Write(data)
}

func (channel *sshShellChannel) WindowChange(rows, cols int) error {
	return channel.session.WindowChange(rows, cols)
}

func (channel *sshShellChannel) Close() error {
	channel.stdin.Close()
	return channel.session.Close()
}
