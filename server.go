package opscope

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// controlClient is one connected UI client, independent of
// transport.
type controlClient interface {
	SendLine(data []byte) error
	ReadLine() ([]byte, error)
}

type controlHandler func(controlClient)

// controlSocket accepts UI clients over some transport and
// runs the handler for each.
type controlSocket interface {
	ListenAndServe(host string, handler controlHandler) error
	Stop()
}

// ControlSocketTCP serves newline-delimited JSON over plain
// TCP or TLS.
type ControlSocketTCP struct {
	listener    net.Listener
	active      atomic.Bool
	clients     []net.Conn
	clientMutex sync.Mutex
	TLSCert     string
	TLSKey      string
	Plaintext   bool
}

type controlSocketTCPClient struct {
	conn   net.Conn
	reader *bufio.Reader
	mutex  sync.Mutex
}

func (client *controlSocketTCPClient) SendLine(data []byte) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	_, err := client.conn.Write(append(data, '\n'))
	return err
}

func (client *controlSocketTCPClient) ReadLine() ([]byte, error) {
	return client.reader.ReadBytes('\n')
}

func (socket *ControlSocketTCP) ListenAndServe(host string, handler controlHandler) error {
	var err error
	if socket.Plaintext {
		socket.listener, err = net.Listen("tcp", host)
	} else {
		var keyPair tls.Certificate
		keyPair, err = tls.LoadX509KeyPair(socket.TLSCert, socket.TLSKey)
		if err != nil {
			return err
		}
		socket.listener, err = tls.Listen("tcp", host, &tls.Config{Certificates: []tls.Certificate{keyPair}})
	}
	if err != nil {
		return err
	}
	socket.active.Store(true)
	defer socket.Stop()

	for socket.active.Load() {
		client, err := socket.listener.Accept()
		if err != nil {
			break
		}
		socket.clientMutex.Lock()
		socket.clients = append(socket.clients, client)
		socket.clientMutex.Unlock()
		go func(client net.Conn) {
			defer socket.clientClose(client)
			handler(&controlSocketTCPClient{conn: client, reader: bufio.NewReader(client)})
		}(client)
	}
	return nil
}

func (socket *ControlSocketTCP) clientClose(client net.Conn) {
	socket.clientMutex.Lock()
	for index, curClient := range socket.clients {
		if curClient == client {
			socket.clients = append(socket.clients[:index], socket.clients[index+1:]...)
			break
		}
	}
	socket.clientMutex.Unlock()
	client.Close()
}

func (socket *ControlSocketTCP) Stop() {
	if !socket.active.CompareAndSwap(true, false) {
		return
	}
	if socket.listener != nil {
		socket.listener.Close()
	}
	socket.clientMutex.Lock()
	for _, client := range socket.clients {
		client.Close()
	}
	socket.clients = nil
	socket.clientMutex.Unlock()
}

// ControlSocketWeb serves the same protocol over websocket
// messages.
type ControlSocketWeb struct {
	TLSCert   string
	TLSKey    string
	Plaintext bool
	handler   controlHandler
	server    *http.Server
	active    atomic.Bool
}

type controlSocketWebClient struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

func (client *controlSocketWebClient) SendLine(data []byte) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.conn.WriteMessage(websocket.TextMessage, data)
}

func (client *controlSocketWebClient) ReadLine() ([]byte, error) {
	_, data, err := client.conn.ReadMessage()
	return data, err
}

func (socket *ControlSocketWeb) handleWebRequest(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	socket.handler(&controlSocketWebClient{conn: conn})
}

func (socket *ControlSocketWeb) ListenAndServe(host string, handler controlHandler) error {
	socket.handler = handler
	serverMux := http.NewServeMux()
	serverMux.HandleFunc("/socket", socket.handleWebRequest)
	socket.server = &http.Server{Handler: serverMux, Addr: host}
	socket.active.Store(true)
	if socket.Plaintext {
		return socket.server.ListenAndServe()
	}
	return socket.server.ListenAndServeTLS(socket.TLSCert, socket.TLSKey)
}

func (socket *ControlSocketWeb) Stop() {
	if socket.active.CompareAndSwap(true, false) {
		socket.server.Close()
	}
}

// ControlServer runs the request/reply protocol for any
// number of UI clients and pushes core events to each of
// them as they happen.
type ControlServer struct {
	Core         *Core
	PresharedKey string
	log          *log.Logger
}

func NewControlServer(core *Core, presharedKey string, logger *log.Logger) *ControlServer {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlServer{Core: core, PresharedKey: presharedKey, log: logger}
}

// Serve runs the client protocol on the given socket until
// the socket stops.
func (server *ControlServer) Serve(socket controlSocket, host string) error {
	server.log.Printf("control server listening on %v\n", host)
	return socket.ListenAndServe(host, server.clientLoop)
}

func (server *ControlServer) clientLoop(client controlClient) {
	subscription := server.Core.Hub.Subscribe(func(event Event) {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		client.SendLine(data)
	})
	defer server.Core.Hub.Unsubscribe(subscription)

	for {
		line, err := client.ReadLine()
		if err != nil {
			break
		}
		request, err := server.parseRequest(line)
		if err != nil {
			server.sendError(client, err)
			continue
		}
		reply := server.Core.HandleRequest(request)
		data, err := json.Marshal(reply)
		if err != nil {
			server.log.Printf("error marshaling reply: %v\n", err)
			continue
		}
		if err := client.SendLine(data); err != nil {
			break
		}
	}
}

// parseRequest decodes either a signed wrapper (when a
// preshared key is configured) or a bare request.
func (server *ControlServer) parseRequest(line []byte) (ControlRequest, error) {
	var request ControlRequest
	if server.PresharedKey != "" {
		var wrapper signedRequest
		if err := json.Unmarshal(line, &wrapper); err != nil {
			return request, err
		}
		return wrapper.verify([]byte(server.PresharedKey))
	}
	err := json.Unmarshal(line, &request)
	return request, err
}

func (server *ControlServer) sendError(client controlClient, err error) {
	reply := ControlReply{Op: "error", OK: false, Error: err.Error()}
	data, marshalErr := json.Marshal(reply)
	if marshalErr != nil {
		return
	}
	client.SendLine(data)
}
