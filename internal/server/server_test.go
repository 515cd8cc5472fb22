package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sanworks/Frame2TTL/frame2ttl"
)

// fakeController implements Controller in memory with the driver's
// derivative-mode validation rules.
type fakeController struct {
	port      string
	firmware  int
	hardware  int
	mode      frame2ttl.DetectMode
	light     int
	dark      int
	margin    int
	streaming bool
	closed    bool

	pending [][]uint16 // batches returned by successive drains
	readErr error
}

func newFakeController() *fakeController {
	return &fakeController{
		port:     "COM3",
		firmware: 4,
		hardware: 3,
		mode:     frame2ttl.ModeDerivative,
		light:    75,
		dark:     -75,
		margin:   frame2ttl.DefaultActivationMargin,
	}
}

func (f *fakeController) FirmwareVersion() int             { return f.firmware }
func (f *fakeController) HardwareVersion() int             { return f.hardware }
func (f *fakeController) DetectMode() frame2ttl.DetectMode { return f.mode }
func (f *fakeController) LightThreshold() int              { return f.light }
func (f *fakeController) DarkThreshold() int               { return f.dark }
func (f *fakeController) ActivationMargin() int            { return f.margin }
func (f *fakeController) Port() string                     { return f.port }
func (f *fakeController) Streaming() bool                  { return f.streaming }

func (f *fakeController) SetLightThreshold(value int) error {
	if f.mode == frame2ttl.ModeDerivative && value <= 0 {
		return &frame2ttl.ValidationError{Field: "light threshold", Reason: "must be a positive integer"}
	}
	f.light = value
	return nil
}

func (f *fakeController) SetDarkThreshold(value int) error {
	if f.mode == frame2ttl.ModeDerivative && value >= 0 {
		return &frame2ttl.ValidationError{Field: "dark threshold", Reason: "must be a negative integer"}
	}
	f.dark = value
	return nil
}

func (f *fakeController) SetDetectMode(mode frame2ttl.DetectMode) error {
	f.mode = mode
	return nil
}

func (f *fakeController) SetActivationMargin(value int) error {
	if f.mode != frame2ttl.ModeAmplitude {
		return &frame2ttl.ModeError{Op: "activation margin", Mode: f.mode}
	}
	f.margin = value
	return nil
}

func (f *fakeController) CalibrateLightThreshold() (int, error) {
	f.light = 150
	return 150, nil
}

func (f *fakeController) CalibrateDarkThreshold() (int, error) {
	f.dark = -90
	return -90, nil
}

func (f *fakeController) ReadSensor(n int) ([]uint16, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if n <= 0 {
		return nil, &frame2ttl.ValidationError{Field: "sample count", Reason: "must be a positive integer"}
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(i)
	}
	return out, nil
}

func (f *fakeController) SetStreaming(enabled bool) error {
	f.streaming = enabled
	return nil
}

func (f *fakeController) DrainSamples() ([]uint16, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	batch := f.pending[0]
	f.pending = f.pending[1:]
	return batch, nil
}

func (f *fakeController) Close() error {
	f.closed = true
	return nil
}

func newTestServer(t *testing.T, fake *fakeController) (*Server, *httptest.Server) {
	t.Helper()
	s := New(zerolog.Nop(), func(port string) (Controller, error) {
		if port == "NONE" {
			return nil, errors.New("no device on NONE")
		}
		if port != "" {
			fake.port = port
		}
		return fake, nil
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(s.Shutdown)
	return s, ts
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func connect(t *testing.T, ts *httptest.Server) {
	t.Helper()
	resp := post(t, ts.URL+"/api/connect", ConnectRequest{})
	if resp.StatusCode != 200 {
		t.Fatalf("connect status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, newFakeController())
	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var health HealthResponse
	decode(t, resp, &health)
	if !health.OK {
		t.Error("health not ok")
	}
}

func TestCommandsRequireConnection(t *testing.T) {
	_, ts := newTestServer(t, newFakeController())
	light := 75
	resp := post(t, ts.URL+"/api/thresholds", ThresholdsRequest{Light: &light})
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var apiErr APIError
	decode(t, resp, &apiErr)
	if !strings.Contains(apiErr.Error, "not connected") {
		t.Errorf("error = %q", apiErr.Error)
	}
}

func TestConnectAndStatus(t *testing.T) {
	fake := newFakeController()
	_, ts := newTestServer(t, fake)
	connect(t, ts)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var status StatusResponse
	decode(t, resp, &status)
	if !status.Connected || status.Port != "COM3" {
		t.Fatalf("status = %+v", status)
	}
	if status.FirmwareVersion != 4 || status.HardwareVersion != 3 {
		t.Errorf("versions = fw%d hw%d", status.FirmwareVersion, status.HardwareVersion)
	}
	if status.DetectMode != "derivative" {
		t.Errorf("mode = %q, want derivative", status.DetectMode)
	}
}

func TestConnectFailure(t *testing.T) {
	_, ts := newTestServer(t, newFakeController())
	resp := post(t, ts.URL+"/api/connect", ConnectRequest{Port: "NONE"})
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestConnectReplacesSession(t *testing.T) {
	fake := newFakeController()
	_, ts := newTestServer(t, fake)
	connect(t, ts)
	connect(t, ts)
	if !fake.closed {
		t.Error("previous session not closed on reconnect")
	}
}

func TestThresholds(t *testing.T) {
	fake := newFakeController()
	_, ts := newTestServer(t, fake)
	connect(t, ts)

	light, dark := 120, -110
	resp := post(t, ts.URL+"/api/thresholds", ThresholdsRequest{Light: &light, Dark: &dark})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var tr ThresholdsResponse
	decode(t, resp, &tr)
	if tr.Light != 120 || tr.Dark != -110 {
		t.Errorf("thresholds = %d/%d", tr.Light, tr.Dark)
	}

	// Validation failures map to 400.
	bad := -5
	resp = post(t, ts.URL+"/api/thresholds", ThresholdsRequest{Light: &bad})
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	// An empty body is rejected before touching the device.
	resp = post(t, ts.URL+"/api/thresholds", ThresholdsRequest{})
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMarginModeConflict(t *testing.T) {
	fake := newFakeController()
	_, ts := newTestServer(t, fake)
	connect(t, ts)

	resp := post(t, ts.URL+"/api/margin", MarginRequest{Margin: 500})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post(t, ts.URL+"/api/mode", ModeRequest{Mode: int(frame2ttl.ModeAmplitude)})
	if resp.StatusCode != 200 {
		t.Fatalf("mode status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post(t, ts.URL+"/api/margin", MarginRequest{Margin: 500})
	if resp.StatusCode != 200 {
		t.Fatalf("margin status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if fake.margin != 500 {
		t.Errorf("margin = %d, want 500", fake.margin)
	}
}

func TestCalibrate(t *testing.T) {
	fake := newFakeController()
	_, ts := newTestServer(t, fake)
	connect(t, ts)

	resp := post(t, ts.URL+"/api/calibrate", CalibrateRequest{Kind: "light"})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var cr CalibrateResponse
	decode(t, resp, &cr)
	if cr.Kind != "light" || cr.Threshold != 150 {
		t.Errorf("result = %+v", cr)
	}

	resp = post(t, ts.URL+"/api/calibrate", CalibrateRequest{Kind: "ambient"})
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRead(t *testing.T) {
	fake := newFakeController()
	_, ts := newTestServer(t, fake)
	connect(t, ts)

	resp, err := http.Get(ts.URL + "/api/read?n=50")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var rr ReadResponse
	decode(t, resp, &rr)
	if len(rr.Samples) != 50 || rr.Stats.N != 50 {
		t.Fatalf("samples = %d, stats n = %d", len(rr.Samples), rr.Stats.N)
	}

	resp, err = http.Get(ts.URL + "/api/read?n=0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/read?n=abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStreamBroadcast(t *testing.T) {
	fake := newFakeController()
	fake.pending = [][]uint16{{100, 200, 300}}
	_, ts := newTestServer(t, fake)
	connect(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	resp := post(t, ts.URL+"/api/stream", StreamRequest{Enabled: true})
	if resp.StatusCode != 200 {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if msg.Type != "samples" {
		t.Fatalf("type = %q, want samples", msg.Type)
	}

	resp = post(t, ts.URL+"/api/stream", StreamRequest{Enabled: false})
	if resp.StatusCode != 200 {
		t.Fatalf("stream off status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if fake.streaming {
		t.Error("device still streaming after disable")
	}
}

func TestDisconnectStopsStreaming(t *testing.T) {
	fake := newFakeController()
	_, ts := newTestServer(t, fake)
	connect(t, ts)

	resp := post(t, ts.URL+"/api/stream", StreamRequest{Enabled: true})
	resp.Body.Close()

	resp = post(t, ts.URL+"/api/disconnect", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("disconnect status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if !fake.closed {
		t.Error("device not closed")
	}

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var status StatusResponse
	decode(t, resp, &status)
	if status.Connected {
		t.Error("status still connected")
	}
}
