package opscope

import (
	"log"
)

// Core ties the connection manager, session multiplexer,
// analyzer, and progress store together behind the control
// message boundary.
type Core struct {
	Manager  *ConnectionManager
	Mux      *SessionMultiplexer
	Analyzer *Analyzer
	Paths    *AttackPathStore
	Hub      *EventHub
	store    Store
	log      *log.Logger
}

func NewCore(store Store, logger *log.Logger) *Core {
	if logger == nil {
		logger = log.Default()
	}
	hub := NewEventHub(logger)
	manager := NewConnectionManager(hub, logger)
	paths := NewAttackPathStore(store, logger)
	analyzer := NewAnalyzer(store, paths, hub, logger)
	mux := NewSessionMultiplexer(manager, store, analyzer, hub, logger)
	return &Core{
		Manager:  manager,
		Mux:      mux,
		Analyzer: analyzer,
		Paths:    paths,
		Hub:      hub,
		store:    store,
		log:      logger,
	}
}

// HandleRequest executes one control operation and builds its
// reply. Every failure comes back as a typed reply; nothing
// here panics on bad input.
func (core *Core) HandleRequest(request ControlRequest) ControlReply {
	reply := ControlReply{
		Op:        request.Op + "-reply",
		RequestID: request.RequestID,
		OK:        true,
	}
	fail := func(err error) {
		reply.OK = false
		reply.Error = err.Error()
	}

	switch request.Op {
	case OP_CONNECTION_CONNECT:
		if request.Connect == nil {
			reply.OK = false
			reply.Error = "missing connect config"
			break
		}
		if err := core.Manager.Connect(*request.Connect); err != nil {
			fail(err)
		}
		status := core.Manager.Status()
		reply.Status = &status
	case OP_CONNECTION_DISCONNECT:
		core.Manager.Disconnect()
		status := core.Manager.Status()
		reply.Status = &status
	case OP_CONNECTION_TEST:
		if request.Connect == nil {
			reply.OK = false
			reply.Error = "missing connect config"
			break
		}
		if err := core.Manager.TestConnection(*request.Connect); err != nil {
			fail(err)
		}
	case OP_CONNECTION_STATUS:
		status := core.Manager.Status()
		reply.Status = &status
	case OP_SESSION_OPEN:
		sessionID, err := core.Mux.Open(request.OwnerContextID)
		if err != nil {
			fail(err)
			break
		}
		reply.SessionID = sessionID
	case OP_SESSION_WRITE:
		if err := core.Mux.Write(request.SessionID, request.Data); err != nil {
			fail(err)
		}
	case OP_SESSION_RESIZE:
		if err := core.Mux.Resize(request.SessionID, request.Cols, request.Rows); err != nil {
			fail(err)
		}
	case OP_SESSION_CLOSE:
		if err := core.Mux.Close(request.SessionID); err != nil {
			fail(err)
		}
	case OP_SESSION_LOG_COMMAND_START:
		if err := core.Mux.LogCommandStart(request.SessionID, request.Command); err != nil {
			fail(err)
		}
	case OP_SESSION_LIST:
		reply.Sessions = core.Mux.SessionIDs()
	case OP_ANALYSIS_RUN:
		result := core.Analyzer.Analyze(request.TargetID, request.Text)
		reply.Analysis = &result
	case OP_ATTACK_PATH_SET_STATUS:
		if err := core.Paths.SetStatus(request.TargetID, request.PathID,
			request.StepID, request.Status, request.Notes); err != nil {
			fail(err)
		}
	case OP_ATTACK_PATH_LIST:
		entries, err := core.Paths.List(request.TargetID)
		if err != nil {
			fail(err)
			break
		}
		reply.Progress = entries
	case OP_TARGET_METADATA:
		metadata, err := core.store.TargetMetadata(request.TargetID)
		if err != nil {
			fail(err)
			break
		}
		reply.Metadata = &metadata
	default:
		reply.OK = false
		reply.Error = "unsupported operation: " + request.Op
	}
	return reply
}

// Shutdown tears everything down in dependency order.
func (core *Core) Shutdown() {
	core.Manager.Disconnect()
	core.Mux.Shutdown()
}
