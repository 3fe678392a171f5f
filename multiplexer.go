package opscope

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")
var ErrChannelOpenFailed = errors.New("failed to open shell channel")

const DEFAULT_TERM_TYPE string = "xterm-256color"
const ANALYSIS_QUEUE_DEPTH int = 256

type analysisChunk struct {
	targetID string
	text     string
}

// SessionMultiplexer opens independent terminal sessions over
// the one shared connection and routes bytes between them,
// the UI, the command tracker, and the analysis engine. One
// physical connection, N logical channels: per-session state
// stays independent so one session's heavy output never
// blocks another's.
type SessionMultiplexer struct {
	mutex    sync.Mutex
	sessions map[string]*terminalSession

	manager  *ConnectionManager
	store    Store
	analyzer *Analyzer
	hub      *EventHub
	log      *log.Logger

	analysisQueue chan analysisChunk
	analysisDone  chan struct{}
	queueMutex    sync.Mutex
	queueClosed   bool
	shutdownOnce  sync.Once
}

func NewSessionMultiplexer(manager *ConnectionManager, store Store, analyzer *Analyzer, hub *EventHub, logger *log.Logger) *SessionMultiplexer {
	if logger == nil {
		logger = log.Default()
	}
	mux := &SessionMultiplexer{
		sessions:      make(map[string]*terminalSession),
		manager:       manager,
		store:         store,
		analyzer:      analyzer,
		hub:           hub,
		log:           logger,
		analysisQueue: make(chan analysisChunk, ANALYSIS_QUEUE_DEPTH),
		analysisDone:  make(chan struct{}),
	}
	manager.setCascade(mux.CloseAll)
	go mux.analysisLoop()
	return mux
}

// Open starts a new terminal session attached to the given
// owner context. Fails with ErrNotConnected unless the
// shared connection is up; a channel-open failure mutates
// nothing.
func (mux *SessionMultiplexer) Open(ownerContextID string) (string, error) {
	if ownerContextID == "" {
		ownerContextID = OWNER_CONTEXT_UNSCOPED
	}
	channel, err := mux.manager.openShell(DEFAULT_TERM_TYPE, 24, 80)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrChannelOpenFailed, err)
	}

	targetID := ""
	if mux.store != nil && ownerContextID != OWNER_CONTEXT_UNSCOPED {
		targetID = mux.store.ResolveTarget(ownerContextID)
	}

	// The analyzer sees every chunk through the pump, so a
	// completed record is not re-fed; that would run every
	// detection twice over the same text.
	tracker := newCommandTracker(ownerContextID, mux.store, mux.log)
	session := &terminalSession{
		id:             uuid.NewString(),
		ownerContextID: ownerContextID,
		targetID:       targetID,
		channel:        channel,
		tracker:        tracker,
		startedAt:      time.Now(),
		mux:            mux,
	}

	mux.mutex.Lock()
	mux.sessions[session.id] = session
	mux.mutex.Unlock()

	go session.pump()
	mux.log.Printf("opened session %v (context %v)\n", session.id, ownerContextID)
	return session.id, nil
}

func (mux *SessionMultiplexer) lookup(sessionID string) (*terminalSession, error) {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()
	session, ok := mux.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Write forwards raw input bytes to the session's channel.
// This is the only path by which input reaches the remote
// shell.
func (mux *SessionMultiplexer) Write(sessionID string, data []byte) error {
	session, err := mux.lookup(sessionID)
	if err != nil {
		return err
	}
	return session.write(data)
}

func (mux *SessionMultiplexer) Resize(sessionID string, cols, rows int) error {
	session, err := mux.lookup(sessionID)
	if err != nil {
		return err
	}
	return session.resize(cols, rows)
}

// LogCommandStart records that the operator submitted a
// command. A command still pending is flushed first.
func (mux *SessionMultiplexer) LogCommandStart(sessionID string, commandText string) error {
	session, err := mux.lookup(sessionID)
	if err != nil {
		return err
	}
	session.logCommandStart(commandText)
	return nil
}

// Close shuts the session's channel down. Any pending
// command is flushed before the session is removed.
func (mux *SessionMultiplexer) Close(sessionID string) error {
	session, err := mux.lookup(sessionID)
	if err != nil {
		return err
	}
	session.channel.Close()
	mux.finalizeSession(session)
	return nil
}

// finalizeSession removes the session, flushes its pending
// command, and raises the exit event. Runs at most once per
// session no matter how it ends.
func (mux *SessionMultiplexer) finalizeSession(session *terminalSession) {
	session.finalized.Do(func() {
		mux.mutex.Lock()
		delete(mux.sessions, session.id)
		mux.mutex.Unlock()
		session.flushPending()
		mux.hub.Publish(Event{Type: EVENT_SESSION_EXITED, SessionID: session.id})
		mux.log.Printf("session %v ended\n", session.id)
	})
}

// CloseAll tears down every session. Run when the shared
// connection goes away, since every channel just became
// invalid.
func (mux *SessionMultiplexer) CloseAll() {
	mux.mutex.Lock()
	sessions := make([]*terminalSession, 0, len(mux.sessions))
	for _, session := range mux.sessions {
		sessions = append(sessions, session)
	}
	mux.mutex.Unlock()
	for _, session := range sessions {
		session.channel.Close()
		mux.finalizeSession(session)
	}
}

// SessionIDs lists the currently open sessions.
func (mux *SessionMultiplexer) SessionIDs() []string {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()
	ids := make([]string, 0, len(mux.sessions))
	for id := range mux.sessions {
		ids = append(ids, id)
	}
	return ids
}

// feedAnalyzer queues one output chunk for analysis. Chunks
// are analyzed in arrival order; sessions never wait for the
// analyzer to finish, and a full queue drops the chunk
// rather than stall the terminal. Chunks arriving after
// shutdown are dropped; a pump can still be draining its
// channel when the queue closes.
func (mux *SessionMultiplexer) feedAnalyzer(targetID string, text string) {
	if mux.analyzer == nil || targetID == "" {
		return
	}
	mux.queueMutex.Lock()
	defer mux.queueMutex.Unlock()
	if mux.queueClosed {
		return
	}
	select {
	case mux.analysisQueue <- analysisChunk{targetID: targetID, text: text}:
	default:
		mux.log.Printf("analysis queue full, dropping chunk for %v\n", targetID)
	}
}

func (mux *SessionMultiplexer) analysisLoop() {
	for chunk := range mux.analysisQueue {
		mux.analyzer.Analyze(chunk.targetID, chunk.text)
	}
	close(mux.analysisDone)
}

// Shutdown closes every session and stops the analysis
// worker after it drains what was already queued. Safe to
// call more than once; every call waits for the drain.
func (mux *SessionMultiplexer) Shutdown() {
	mux.shutdownOnce.Do(func() {
		mux.CloseAll()
		mux.queueMutex.Lock()
		mux.queueClosed = true
		close(mux.analysisQueue)
		mux.queueMutex.Unlock()
	})
	<-mux.analysisDone
}
