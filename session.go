package opscope

import (
	"sync"
	"time"
)

const SESSION_READ_BUFFER int = 4096

// Sentinel owner context for sessions not attached to any
// case. Their commands are tracked in memory but never
// persisted, since there is no target to attach them to.
const OWNER_CONTEXT_UNSCOPED string = "unscoped"

// terminalSession is one interactive channel over the shared
// connection. The channel is owned exclusively by the
// session; nothing else writes to it.
type terminalSession struct {
	id             string
	ownerContextID string
	targetID       string
	channel        remoteChannel
	tracker        *commandTracker
	startedAt      time.Time

	// trackerMutex serializes the pump goroutine against
	// explicit command-start calls arriving from the UI.
	trackerMutex sync.Mutex
	finalized    sync.Once
	mux          *SessionMultiplexer
}

func (session *terminalSession) write(data []byte) error {
	_, err := session.channel.Write(data)
	return err
}

func (session *terminalSession) resize(cols, rows int) error {
	return session.channel.WindowChange(rows, cols)
}

// pump moves inbound bytes from the channel to every
// consumer, in arrival order: viewers first, then the
// command tracker, then the analysis feed. The analysis
// feed is asynchronous so a slow analyzer never stalls the
// terminal.
func (session *terminalSession) pump() {
	buffer := make([]byte, SESSION_READ_BUFFER)
	for {
		count, err := session.channel.Read(buffer)
		if count > 0 {
			chunk := make([]byte, count)
			copy(chunk, buffer[:count])
			session.handleChunk(chunk)
		}
		if err != nil {
			break
		}
	}
	session.mux.finalizeSession(session)
}

func (session *terminalSession) handleChunk(chunk []byte) {
	session.mux.hub.Publish(Event{
		Type:      EVENT_SESSION_DATA,
		SessionID: session.id,
		Data:      chunk,
	})
	session.trackerMutex.Lock()
	session.tracker.Observe(chunk)
	session.trackerMutex.Unlock()
	session.mux.feedAnalyzer(session.targetID, string(chunk))
}

func (session *terminalSession) logCommandStart(commandText string) {
	session.trackerMutex.Lock()
	session.tracker.Start(commandText)
	session.trackerMutex.Unlock()
}

// flushPending commits any in-flight command so nothing is
// lost when the session goes away.
func (session *terminalSession) flushPending() {
	session.trackerMutex.Lock()
	session.tracker.Flush()
	session.trackerMutex.Unlock()
}
