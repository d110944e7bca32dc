// Package drivertest provides an in-process fake Appium server for tests.
package drivertest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

// Call is one request the fake received.
type Call struct {
	Method string
	Path   string
	Body   map[string]any
}

// State is what the fake answers with. Change it through Server.Configure.
type State struct {
	SessionID      string
	Platform       string
	Width, Height  int
	ScreenshotB64  string
	PageSource     string
	RecordingB64   string
	FailCreates    int    // number of session creations to reject before succeeding
	FailScreenshot bool   // reject every screenshot
	HubOnly        bool   // serve sessions only under /wd/hub
	MissingElement string // locator value that answers "no such element"
}

// Server answers the WebDriver endpoints the adapters use and records every
// call.
type Server struct {
	*httptest.Server

	mu    sync.Mutex
	calls []Call
	state State
}

// NewServer starts a fake serving a session for platform ("Android" or "iOS").
// The server is closed when the test ends.
func NewServer(t testing.TB, platform string) *Server {
	t.Helper()
	s := &Server{state: State{
		SessionID:     "sess-1",
		Platform:      platform,
		Width:         1080,
		Height:        2400,
		ScreenshotB64: SolidPNG(t, 108, 240),
		PageSource:    "<hierarchy/>",
		RecordingB64:  base64.StdEncoding.EncodeToString([]byte("mp4")),
	}}

	r := mux.NewRouter()
	s.routes(r.PathPrefix("/wd/hub").Subrouter(), true)
	s.routes(r, false)
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Server.Close)
	return s
}

// Configure changes the fake's answers.
func (s *Server) Configure(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// State returns a copy of the fake's current answers.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HubURL is the /wd/hub base URL of the fake.
func (s *Server) HubURL() string { return s.URL + "/wd/hub" }

// Calls returns a copy of the recorded calls.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded calls whose path ends with suffix.
func (s *Server) CallsTo(method, suffix string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == method && len(c.Path) >= len(suffix) && c.Path[len(c.Path)-len(suffix):] == suffix {
			out = append(out, c)
		}
	}
	return out
}

// Scripts returns the script names of every execute/sync call, in order.
func (s *Server) Scripts() []string {
	var out []string
	for _, c := range s.CallsTo(http.MethodPost, "/execute/sync") {
		name, _ := c.Body["script"].(string)
		out = append(out, name)
	}
	return out
}

func (s *Server) routes(r *mux.Router, hub bool) {
	sess := r.PathPrefix("/session/{id}").Subrouter()

	r.HandleFunc("/session", s.handle(hub, func(w http.ResponseWriter, _ *http.Request, _ map[string]any, st State) {
		s.mu.Lock()
		fail := s.state.FailCreates > 0
		if fail {
			s.state.FailCreates--
		}
		s.mu.Unlock()
		if fail {
			writeError(w, http.StatusInternalServerError, "session not created", "device is busy")
			return
		}
		writeValue(w, map[string]any{
			"sessionId":    st.SessionID,
			"capabilities": map[string]any{"platformName": st.Platform},
		})
	})).Methods(http.MethodPost)

	sess.HandleFunc("", s.handle(hub, func(w http.ResponseWriter, r *http.Request, _ map[string]any, st State) {
		if r.Method == http.MethodDelete {
			writeValue(w, nil)
			return
		}
		writeValue(w, map[string]any{"platformName": st.Platform, "appium:automationName": "UiAutomator2"})
	})).Methods(http.MethodGet, http.MethodDelete)

	sess.HandleFunc("/window/rect", s.handle(hub, func(w http.ResponseWriter, _ *http.Request, _ map[string]any, st State) {
		writeValue(w, map[string]any{"x": 0, "y": 0, "width": st.Width, "height": st.Height})
	})).Methods(http.MethodGet)

	sess.HandleFunc("/screenshot", s.handle(hub, func(w http.ResponseWriter, _ *http.Request, _ map[string]any, st State) {
		if st.FailScreenshot {
			writeError(w, http.StatusInternalServerError, "unknown error", "screenshot failed")
			return
		}
		writeValue(w, st.ScreenshotB64)
	})).Methods(http.MethodGet)

	sess.HandleFunc("/source", s.handle(hub, func(w http.ResponseWriter, _ *http.Request, _ map[string]any, st State) {
		writeValue(w, st.PageSource)
	})).Methods(http.MethodGet)

	sess.HandleFunc("/execute/sync", s.handle(hub, func(w http.ResponseWriter, _ *http.Request, _ map[string]any, _ State) {
		writeValue(w, nil)
	})).Methods(http.MethodPost)

	sess.HandleFunc("/element", s.handle(hub, func(w http.ResponseWriter, _ *http.Request, body map[string]any, st State) {
		if v, _ := body["value"].(string); v != "" && v == st.MissingElement {
			writeError(w, http.StatusNotFound, "no such element", "element not found")
			return
		}
		writeValue(w, map[string]any{"element-6066-11e4-a52e-4f735466cecf": "el-1"})
	})).Methods(http.MethodPost)

	sess.HandleFunc("/element/{eid}/value", s.handle(hub, func(w http.ResponseWriter, _ *http.Request, _ map[string]any, _ State) {
		writeValue(w, nil)
	})).Methods(http.MethodPost)

	sess.HandleFunc("/actions", s.handle(hub, func(w http.ResponseWriter, _ *http.Request, _ map[string]any, _ State) {
		writeValue(w, nil)
	})).Methods(http.MethodPost, http.MethodDelete)

	sess.HandleFunc("/appium/settings", s.handle(hub, func(w http.ResponseWriter, _ *http.Request, _ map[string]any, _ State) {
		writeValue(w, nil)
	})).Methods(http.MethodPost)

	sess.HandleFunc("/appium/start_recording_screen", s.handle(hub, func(w http.ResponseWriter, _ *http.Request, _ map[string]any, _ State) {
		writeValue(w, nil)
	})).Methods(http.MethodPost)

	sess.HandleFunc("/appium/stop_recording_screen", s.handle(hub, func(w http.ResponseWriter, _ *http.Request, _ map[string]any, st State) {
		writeValue(w, st.RecordingB64)
	})).Methods(http.MethodPost)
}

// handle records the call and rejects root routes when HubOnly is set.
func (s *Server) handle(hub bool, fn func(http.ResponseWriter, *http.Request, map[string]any, State)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			if len(bytes.TrimSpace(raw)) > 0 {
				_ = json.Unmarshal(raw, &body)
			}
		}
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Body: body})
		st := s.state
		s.mu.Unlock()

		if st.HubOnly && !hub {
			writeError(w, http.StatusNotFound, "unknown command", "resource could not be found")
			return
		}
		fn(w, r, body, st)
	}
}

func writeValue(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"value": v})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"value": map[string]any{"error": code, "message": msg}})
}

// SolidPNG returns a base64 PNG of the given size.
func SolidPNG(t testing.TB, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
