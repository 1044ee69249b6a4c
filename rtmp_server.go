// RTMP server

package main

import (
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/netdata/go.d.plugin/pkg/iprange"
)

type RTMPServer struct {
	listener net.Listener

	registry *StreamRegistry

	controlConnection *ControlServerConnection

	mutex           *sync.Mutex
	sessions        map[uint64]*RTMPSession
	next_session_id uint64

	ip_count map[string]uint32
	ip_limit uint32
	ip_mutex *sync.Mutex

	gopCacheLimit int64

	closed bool
}

func CreateRTMPServer(bindAddr string, registry *StreamRegistry) *RTMPServer {
	server := RTMPServer{
		registry:        registry,
		mutex:           &sync.Mutex{},
		ip_mutex:        &sync.Mutex{},
		sessions:        make(map[uint64]*RTMPSession),
		next_session_id: 1,
		ip_count:        make(map[string]uint32),
		ip_limit:        4,
		gopCacheLimit:   QUEUE_GOP_CACHE_LIMIT,
	}

	custom_ip_limit := os.Getenv("MAX_IP_CONCURRENT_CONNECTIONS")
	if custom_ip_limit != "" {
		cil, e := strconv.Atoi(custom_ip_limit)
		if e == nil {
			server.ip_limit = uint32(cil)
		}
	}

	custom_gop_limit := os.Getenv("GOP_CACHE_SIZE_MB")
	if custom_gop_limit != "" {
		cgl, e := strconv.Atoi(custom_gop_limit)
		if e == nil {
			server.gopCacheLimit = int64(cgl) * 1024 * 1024
		}
	}

	lTCP, errTCP := net.Listen("tcp", bindAddr)
	if errTCP != nil {
		LogError(errTCP)
		return nil
	}

	server.listener = lTCP
	LogInfo("[RTMP] Listening on " + bindAddr)

	return &server
}

func (server *RTMPServer) AddIP(ip string) bool {
	server.ip_mutex.Lock()
	defer server.ip_mutex.Unlock()

	c := server.ip_count[ip]

	if c >= server.ip_limit {
		return false
	}

	server.ip_count[ip] = c + 1

	return true
}

func (server *RTMPServer) isIPExempted(ipStr string) bool {
	r := os.Getenv("CONCURRENT_LIMIT_WHITELIST")

	if r == "" {
		return false
	}

	if r == "*" {
		return true
	}

	ip := net.ParseIP(ipStr)

	parts := strings.Split(r, ",")

	for i := 0; i < len(parts); i++ {
		rang, e := iprange.ParseRange(parts[i])

		if e != nil {
			LogError(e)
			continue
		}

		if rang.Contains(ip) {
			return true
		}
	}

	return false
}

func (server *RTMPServer) RemoveIP(ip string) {
	server.ip_mutex.Lock()
	defer server.ip_mutex.Unlock()

	c := server.ip_count[ip]

	if c <= 1 {
		delete(server.ip_count, ip)
	} else {
		server.ip_count[ip] = c - 1
	}
}

func (server *RTMPServer) NextSessionID() uint64 {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	r := server.next_session_id
	server.next_session_id++
	return r
}

func (server *RTMPServer) AddSession(s *RTMPSession) {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	server.sessions[s.id] = s
}

func (server *RTMPServer) RemoveSession(id uint64) {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	delete(server.sessions, id)
}

// GetPublisher finds the session currently publishing a channel.
func (server *RTMPServer) GetPublisher(channel string) *RTMPSession {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	for _, s := range server.sessions {
		if s.isPublishing && s.channel == channel {
			return s
		}
	}

	return nil
}

// KillAllActivePublishers closes every publishing session. Called when
// the coordinator connection is re-established.
func (server *RTMPServer) KillAllActivePublishers() {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	for _, s := range server.sessions {
		if s.isPublishing {
			s.Kill()
		}
	}
}

func (server *RTMPServer) AcceptConnections(listener net.Listener, wg *sync.WaitGroup) {
	defer func() {
		listener.Close()
		wg.Done()
	}()
	for {
		c, err := listener.Accept()
		if err != nil {
			LogError(err)
			return
		}
		id := server.NextSessionID()
		var ip string
		if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
			ip = addr.IP.String()
		} else {
			ip = c.RemoteAddr().String()
		}

		if !server.isIPExempted(ip) {
			if !server.AddIP(ip) {
				c.Close()
				LogRequest(id, ip, "Connection rejected: Too many requests")
				continue
			}
		}

		LogDebugSession(id, ip, "Connection accepted!")
		go server.HandleConnection(id, ip, c)
	}
}

func (server *RTMPServer) SendPings(wg *sync.WaitGroup) {
	defer wg.Done()
	for !server.closed {
		// Wait
		time.Sleep(RTMP_PING_TIME * time.Millisecond)

		func() {
			server.mutex.Lock()
			defer server.mutex.Unlock()

			for _, s := range server.sessions {
				s.SendPingRequest()
			}
		}()
	}
}

func (server *RTMPServer) Start() {
	var wg sync.WaitGroup

	wg.Add(1)
	go server.AcceptConnections(server.listener, &wg)

	wg.Add(1)
	go server.SendPings(&wg)

	wg.Wait()
}

func (server *RTMPServer) HandleConnection(id uint64, ip string, c net.Conn) {
	s := CreateRTMPSession(server, id, ip, c)

	server.AddSession(&s)

	defer func() {
		// Tear down (and unregister the stream) before reporting the error.
		err := recover()

		s.OnClose()
		c.Close()
		server.RemoveSession(id)
		server.RemoveIP(ip)

		if err != nil {
			switch x := err.(type) {
			case string:
				LogRequest(id, ip, "Error: "+x)
			case error:
				LogRequest(id, ip, "Error: "+x.Error())
			default:
				LogRequest(id, ip, "Connection Crashed!")
			}
		}
		LogDebugSession(id, ip, "Connection closed!")
	}()

	s.HandleSession()
}

func (server *RTMPServer) getOutChunkSize() uint32 {
	r := os.Getenv("RTMP_CHUNK_SIZE")

	if r == "" {
		return RTMP_CHUNK_SIZE
	}

	n, e := strconv.Atoi(r)

	if e != nil || n <= RTMP_CHUNK_SIZE {
		return RTMP_CHUNK_SIZE
	}

	return uint32(n)
}
