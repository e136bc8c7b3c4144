package proxy

import (
	"bufio"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.uber.org/atomic"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/kroegman/neartrip/config"
	"github.com/kroegman/neartrip/gpsutils"
	"github.com/kroegman/neartrip/registry"
)

// fakeCaster plays the upstream NTRIP caster role: it answers every accepted
// connection with an ICY header and a fixed payload, records the request
// lines it saw, and counts dials and live connections.
type fakeCaster struct {
	t        *testing.T
	listener net.Listener

	dials     atomic.Int64
	liveConns atomic.Int64

	connsMu sync.Mutex
	conns   []net.Conn

	// tail is written after the proxy half-closes the link, simulating
	// correction bytes still in flight during a switch.
	tail string

	requestLines chan string
	ggaLines     chan string
}

func newFakeCaster(t *testing.T, payload string) *fakeCaster {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	fc := &fakeCaster{
		t:            t,
		listener:     listener,
		requestLines: make(chan string, 16),
		ggaLines:     make(chan string, 16),
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			fc.dials.Inc()
			fc.liveConns.Inc()
			fc.connsMu.Lock()
			fc.conns = append(fc.conns, conn)
			fc.connsMu.Unlock()
			go fc.serve(conn, payload)
		}
	}()
	t.Cleanup(func() { listener.Close() })
	return fc
}

func (fc *fakeCaster) serve(conn net.Conn, payload string) {
	defer fc.liveConns.Dec()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		fc.requestLines <- line
	}
	if _, err := conn.Write([]byte("ICY 200 OK\r\n\r\n" + payload)); err != nil {
		return
	}
	// keep reading so we notice the proxy closing the link
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "$G") {
			fc.ggaLines <- strings.TrimRight(line, "\r\n")
		}
	}
	if fc.tail != "" {
		if _, err := conn.Write([]byte(fc.tail)); err != nil {
			return
		}
	}
}

// CloseLiveConns simulates the caster dropping its streams.
func (fc *fakeCaster) CloseLiveConns() {
	fc.connsMu.Lock()
	defer fc.connsMu.Unlock()
	for _, conn := range fc.conns {
		conn.Close()
	}
	fc.conns = nil
}

func (fc *fakeCaster) Port() int {
	return fc.listener.Addr().(*net.TCPAddr).Port
}

func (fc *fakeCaster) RequestLine() string {
	select {
	case line := <-fc.requestLines:
		return line
	case <-time.After(2 * time.Second):
		fc.t.Fatal("timed out waiting for caster request line")
		return ""
	}
}

type testEnv struct {
	store  *config.Store
	reg    *registry.Registry
	server *Server
	addr   string
}

func setupProxy(t *testing.T, stations []*config.StationConfig) *testEnv {
	t.Helper()
	logger := golog.NewTestLogger(t)

	cfg := &config.Config{MountPoint: "RTK", Stations: stations}
	test.That(t, cfg.Ensure(), test.ShouldBeNil)
	path := filepath.Join(t.TempDir(), "neartrip.json")
	test.That(t, cfg.WriteFile(path), test.ShouldBeNil)

	store, err := config.NewStore(path, logger)
	test.That(t, err, test.ShouldBeNil)
	reg := registry.New(logger)

	server := NewServer(store, reg, nil, logger)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	server.Serve(listener)

	t.Cleanup(func() {
		test.That(t, server.Close(), test.ShouldBeNil)
		test.That(t, store.Close(), test.ShouldBeNil)
	})
	return &testEnv{store: store, reg: reg, server: server, addr: listener.Addr().String()}
}

func station(mount string, port int, lat, lon float64) *config.StationConfig {
	return &config.StationConfig{
		MountPoint: mount,
		Host:       "127.0.0.1",
		Port:       port,
		Latitude:   lat,
		Longitude:  lon,
	}
}

func ggaSentence(lat, lon float64) string {
	return gpsutils.FormatGGA(&gpsutils.Position{
		UTCTime:       "170834",
		Lat:           lat,
		Lon:           lon,
		FixQuality:    1,
		Satellites:    7,
		HDOP:          1.0,
		Altitude:      9.0,
		AltitudeUnits: "M",
	})
}

// subscribe connects as a rover and completes the mount handshake.
func subscribe(t *testing.T, env *testEnv) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", env.addr)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Write([]byte("GET /RTK HTTP/1.0\r\n\r\n"))
	test.That(t, err, test.ShouldBeNil)

	icy := make([]byte, len("ICY 200 OK\r\n\r\n"))
	test.That(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)), test.ShouldBeNil)
	_, err = io.ReadFull(conn, icy)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(icy), test.ShouldEqual, "ICY 200 OK\r\n\r\n")
	return conn
}

// readUntil accumulates rover-side bytes until want shows up.
func readUntil(t *testing.T, conn net.Conn, want string) string {
	t.Helper()
	var acc strings.Builder
	buf := make([]byte, 1024)
	deadline := time.Now().Add(2 * time.Second)
	for {
		test.That(t, conn.SetReadDeadline(deadline), test.ShouldBeNil)
		n, err := conn.Read(buf)
		acc.Write(buf[:n])
		if strings.Contains(acc.String(), want) {
			return acc.String()
		}
		test.That(t, err, test.ShouldBeNil)
	}
}

func TestSourcetable(t *testing.T) {
	env := setupProxy(t, nil)

	conn, err := net.Dial("tcp", env.addr)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)), test.ShouldBeNil)
	data, err := io.ReadAll(conn)
	test.That(t, err, test.ShouldBeNil)

	body := string(data)
	test.That(t, body, test.ShouldContainSubstring, "SOURCETABLE 200 OK\r\n")
	test.That(t, body, test.ShouldContainSubstring, "STR;RTK;NTRIP Service;RTCM 3;")
	test.That(t, body, test.ShouldContainSubstring, "ENDSOURCETABLE\r\n")
}

func TestSubscribeSelectsNearest(t *testing.T) {
	casterA := newFakeCaster(t, "corrections-a")
	casterB := newFakeCaster(t, "corrections-b")
	env := setupProxy(t, []*config.StationConfig{
		station("A", casterA.Port(), 37.5, -122.0),
		station("B", casterB.Port(), 40.0, -120.0),
	})

	conn := subscribe(t, env)
	_, err := conn.Write([]byte(ggaSentence(37.51, -122.01) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, casterA.RequestLine(), test.ShouldEqual, "GET /A HTTP/1.1")
	test.That(t, casterB.dials.Load(), test.ShouldEqual, 0)

	// the caster's own response header reaches the rover verbatim, then the
	// correction bytes follow
	forwarded := readUntil(t, conn, "corrections-a")
	test.That(t, forwarded, test.ShouldContainSubstring, "ICY 200 OK")

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		sessions := env.reg.List()
		test.That(tb, len(sessions), test.ShouldEqual, 1)
		test.That(tb, sessions[0].MountPoint, test.ShouldEqual, "A")
		test.That(tb, sessions[0].BytesSent, test.ShouldBeGreaterThan, int64(0))
		test.That(tb, sessions[0].BytesReceived, test.ShouldBeGreaterThan, int64(0))
		test.That(tb, sessions[0].Position, test.ShouldNotBeNil)
	})
}

func TestRoamSwitchesUpstream(t *testing.T) {
	casterA := newFakeCaster(t, "corrections-a")
	casterB := newFakeCaster(t, "corrections-b")
	env := setupProxy(t, []*config.StationConfig{
		station("A", casterA.Port(), 37.5, -122.0),
		station("B", casterB.Port(), 40.0, -120.0),
	})

	conn := subscribe(t, env)
	_, err := conn.Write([]byte(ggaSentence(37.51, -122.01) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)
	readUntil(t, conn, "corrections-a")

	// rover moves near B; the proxy must close A and dial B with no rover
	// disconnect
	_, err = conn.Write([]byte(ggaSentence(40.01, -120.01) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, casterB.RequestLine(), test.ShouldEqual, "GET /B HTTP/1.1")
	readUntil(t, conn, "corrections-b")

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, casterA.liveConns.Load(), test.ShouldEqual, 0)
		sessions := env.reg.List()
		test.That(tb, len(sessions), test.ShouldEqual, 1)
		test.That(tb, sessions[0].Active, test.ShouldBeTrue)
		test.That(tb, sessions[0].MountPoint, test.ShouldEqual, "B")
	})
}

func TestIdenticalPositionDialsOnce(t *testing.T) {
	casterA := newFakeCaster(t, "corrections-a")
	env := setupProxy(t, []*config.StationConfig{
		station("A", casterA.Port(), 37.5, -122.0),
	})

	conn := subscribe(t, env)
	gga := ggaSentence(37.51, -122.01)
	_, err := conn.Write([]byte(gga + "\r\n"))
	test.That(t, err, test.ShouldBeNil)
	readUntil(t, conn, "corrections-a")

	_, err = conn.Write([]byte(gga + "\r\n"))
	test.That(t, err, test.ShouldBeNil)

	// give the proxy a moment to (wrongly) re-dial
	time.Sleep(200 * time.Millisecond)
	test.That(t, casterA.dials.Load(), test.ShouldEqual, 1)
}

func TestUpstreamRefusedKeepsRover(t *testing.T) {
	// a port with nothing listening
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	deadPort := dead.Addr().(*net.TCPAddr).Port
	test.That(t, dead.Close(), test.ShouldBeNil)

	env := setupProxy(t, []*config.StationConfig{
		station("A", deadPort, 37.5, -122.0),
	})

	conn := subscribe(t, env)
	_, err = conn.Write([]byte(ggaSentence(37.51, -122.01) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)

	// the session stays alive and unbound; a later GGA retries the dial
	time.Sleep(200 * time.Millisecond)
	_, err = conn.Write([]byte(ggaSentence(37.51, -122.01) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		sessions := env.reg.List()
		test.That(tb, len(sessions), test.ShouldEqual, 1)
		test.That(tb, sessions[0].Active, test.ShouldBeTrue)
		test.That(tb, sessions[0].MountPoint, test.ShouldEqual, "")
		test.That(tb, sessions[0].Position, test.ShouldNotBeNil)
	})
}

func TestUpstreamGoneRebindsOnNextPosition(t *testing.T) {
	casterA := newFakeCaster(t, "corrections-a")
	env := setupProxy(t, []*config.StationConfig{
		station("A", casterA.Port(), 37.5, -122.0),
	})

	conn := subscribe(t, env)
	_, err := conn.Write([]byte(ggaSentence(37.51, -122.01) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)
	readUntil(t, conn, "corrections-a")

	// kill the upstream; the session must drop to unbound without touching
	// the rover
	casterA.CloseLiveConns()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		sessions := env.reg.List()
		test.That(tb, len(sessions), test.ShouldEqual, 1)
		test.That(tb, sessions[0].Active, test.ShouldBeTrue)
		test.That(tb, sessions[0].MountPoint, test.ShouldEqual, "")
	})

	// the next position re-dials the same station
	_, err = conn.Write([]byte(ggaSentence(37.51, -122.01) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, casterA.dials.Load(), test.ShouldEqual, int64(2))
		test.That(tb, env.reg.List()[0].MountPoint, test.ShouldEqual, "A")
	})
}

func TestChecksumMismatchStillSelects(t *testing.T) {
	casterA := newFakeCaster(t, "corrections-a")
	env := setupProxy(t, []*config.StationConfig{
		station("A", casterA.Port(), 37.5, -122.0),
	})

	conn := subscribe(t, env)
	gga := ggaSentence(37.51, -122.01)
	// corrupt the checksum byte
	replacement := "0"
	if gga[len(gga)-1] == '0' {
		replacement = "1"
	}
	corrupted := gga[:len(gga)-1] + replacement
	_, err := conn.Write([]byte(corrupted + "\r\n"))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, casterA.RequestLine(), test.ShouldEqual, "GET /A HTTP/1.1")
}

func TestConfigChangePicksUpNewStation(t *testing.T) {
	casterA := newFakeCaster(t, "corrections-a")
	casterC := newFakeCaster(t, "corrections-c")
	env := setupProxy(t, []*config.StationConfig{
		station("A", casterA.Port(), 38.0, -122.5),
	})

	conn := subscribe(t, env)
	_, err := conn.Write([]byte(ggaSentence(37.51, -122.0) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)
	readUntil(t, conn, "corrections-a")

	// add a station much closer to the rover; no session restart needed
	next := env.store.Get().Clone()
	next.Stations = append(next.Stations, station("C", casterC.Port(), 37.5, -122.0))
	test.That(t, env.store.Replace(next), test.ShouldBeNil)

	_, err = conn.Write([]byte(ggaSentence(37.51, -122.0) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, casterC.RequestLine(), test.ShouldEqual, "GET /C HTTP/1.1")
	readUntil(t, conn, "corrections-c")
}

func TestEmptyStationListStaysUnbound(t *testing.T) {
	env := setupProxy(t, nil)

	conn := subscribe(t, env)
	_, err := conn.Write([]byte(ggaSentence(37.51, -122.01) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		sessions := env.reg.List()
		test.That(tb, len(sessions), test.ShouldEqual, 1)
		test.That(tb, sessions[0].MountPoint, test.ShouldEqual, "")
		test.That(tb, sessions[0].Position, test.ShouldNotBeNil)
	})
}

func TestWrongMountPointCloses(t *testing.T) {
	env := setupProxy(t, nil)

	conn, err := net.Dial("tcp", env.addr)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()

	// a mount sharing the advertised one's prefix is still foreign
	_, err = conn.Write([]byte("GET /RTKX HTTP/1.0\r\n\r\n"))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)), test.ShouldBeNil)
	data, err := io.ReadAll(conn)
	test.That(t, err, test.ShouldBeNil) // clean EOF, no ICY handshake
	test.That(t, string(data), test.ShouldNotContainSubstring, "ICY 200 OK")
}

func TestSwitchDrainsOldUpstreamFirst(t *testing.T) {
	casterA := newFakeCaster(t, "corrections-a")
	casterA.tail = "tail-a"
	casterB := newFakeCaster(t, "corrections-b")
	env := setupProxy(t, []*config.StationConfig{
		station("A", casterA.Port(), 37.5, -122.0),
		station("B", casterB.Port(), 40.0, -120.0),
	})

	conn := subscribe(t, env)
	_, err := conn.Write([]byte(ggaSentence(37.51, -122.01) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)
	readUntil(t, conn, "corrections-a")

	_, err = conn.Write([]byte(ggaSentence(40.01, -120.01) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)

	// caster A emits one last chunk when it sees the half-close; every byte
	// of it must reach the rover before the first byte from caster B
	stream := readUntil(t, conn, "corrections-b")
	tailIdx := strings.Index(stream, "tail-a")
	test.That(t, tailIdx, test.ShouldBeGreaterThanOrEqualTo, 0)
	test.That(t, tailIdx, test.ShouldBeLessThan, strings.Index(stream, "corrections-b"))
}

func TestUnknownRequestCloses(t *testing.T) {
	env := setupProxy(t, nil)

	conn, err := net.Dial("tcp", env.addr)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()

	_, err = conn.Write([]byte("POST /whatever HTTP/1.0\r\n\r\n"))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)), test.ShouldBeNil)
	_, err = io.ReadAll(conn)
	test.That(t, err, test.ShouldBeNil) // clean EOF, not a timeout

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		sessions := env.reg.List()
		test.That(tb, len(sessions), test.ShouldEqual, 1)
		test.That(tb, sessions[0].Active, test.ShouldBeFalse)
		test.That(tb, sessions[0].DisconnectedAt, test.ShouldNotBeNil)
	})
}

func TestRoverDisconnectClosesUpstream(t *testing.T) {
	casterA := newFakeCaster(t, "corrections-a")
	env := setupProxy(t, []*config.StationConfig{
		station("A", casterA.Port(), 37.5, -122.0),
	})

	conn := subscribe(t, env)
	_, err := conn.Write([]byte(ggaSentence(37.51, -122.01) + "\r\n"))
	test.That(t, err, test.ShouldBeNil)
	readUntil(t, conn, "corrections-a")

	test.That(t, conn.Close(), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, casterA.liveConns.Load(), test.ShouldEqual, 0)
		sessions := env.reg.List()
		test.That(tb, len(sessions), test.ShouldEqual, 1)
		test.That(tb, sessions[0].Active, test.ShouldBeFalse)
	})
}

func TestUpstreamReceivesTriggeringGGA(t *testing.T) {
	casterA := newFakeCaster(t, "corrections-a")
	env := setupProxy(t, []*config.StationConfig{
		station("A", casterA.Port(), 37.5, -122.0),
	})

	conn := subscribe(t, env)
	gga := ggaSentence(37.51, -122.01)
	_, err := conn.Write([]byte(gga + "\r\n"))
	test.That(t, err, test.ShouldBeNil)

	select {
	case got := <-casterA.ggaLines:
		test.That(t, got, test.ShouldEqual, gga)
	case <-time.After(2 * time.Second):
		t.Fatal("caster never received the GGA sentence")
	}
}
