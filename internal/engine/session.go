// Package engine maintains the persistent websocket session to the
// playback engine: identification, keepalive, exponential reconnect, deck
// state tracking, and the track-info / stems-ready push surface.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"decklab/internal/config"
	"decklab/internal/logging"
	"decklab/internal/store"
)

// Session connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const writeTimeout = 10 * time.Second

// AnalysisRequester enqueues analysis for tracks the engine asks about
// before they are analysed.
type AnalysisRequester interface {
	Request(track *store.Track, opts store.AnalysisOptions,
		priority store.JobPriority, hook *store.CallbackMetadata, force bool) (*store.AnalysisJob, error)
}

// StemRequester serves engine stem requests from the cache or the queue.
type StemRequester interface {
	RequestStems(track *store.Track, hook *store.CallbackMetadata) error
}

// Session is the bidirectional engine channel. Inbound messages are
// handled on the single read loop goroutine; DeckState is mutated only
// there. Outbound sends are serialized by a write lock.
type Session struct {
	cfg   config.EngineConfig
	st    *store.Store
	queue AnalysisRequester
	stems StemRequester

	mu    sync.Mutex
	conn  *websocket.Conn
	state string
	decks map[string]string // deck name -> loaded track ID

	writeMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

func NewSession(cfg config.EngineConfig, st *store.Store, queue AnalysisRequester, stems StemRequester) *Session {
	return &Session{
		cfg:   cfg,
		st:    st,
		queue: queue,
		stems: stems,
		state: StateDisconnected,
		decks: make(map[string]string),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the connect/read/reconnect loop.
func (s *Session) Start() {
	go s.run()
}

// Stop closes the session and disables reconnection.
func (s *Session) Stop() {
	close(s.stop)
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

// State returns the current connection state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeckTrack returns the track currently loaded on a deck, if any.
func (s *Session) DeckTrack(deck string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.decks[deck]
	return id, ok
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) run() {
	defer close(s.done)
	defer s.setState(StateDisconnected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectDelay()
	bo.MaxInterval = s.cfg.MaxReconnectDelay()
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.setState(StateConnecting)
		conn, err := s.dial()
		if err != nil {
			s.setState(StateDisconnected)
			if !s.sleepBackoff(bo, fmt.Sprintf("connect to %s failed (%v)", s.cfg.WSURL, err)) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.state = StateConnected
		s.mu.Unlock()
		logging.Engine("connected to %s", s.cfg.WSURL)

		if err := s.send(identifyMessage{Command: "appServerIdentify", Client: "decklab"}); err != nil {
			logging.Get(logging.CategoryEngine).Error("identify failed: %v", err)
		}

		pingDone := make(chan struct{})
		go s.pingLoop(conn, pingDone)
		active := s.readLoop(conn)
		close(pingDone)

		s.mu.Lock()
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()

		// Only a session that exchanged traffic resets the back-off;
		// an engine that accepts and immediately drops keeps escalating.
		if active {
			bo.Reset()
		}
		if !s.sleepBackoff(bo, "connection to engine lost") {
			return
		}
	}
}

// sleepBackoff waits for the next back-off interval, returning false if
// the session was stopped while waiting.
func (s *Session) sleepBackoff(bo backoff.BackOff, cause string) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	wait := bo.NextBackOff()
	logging.Engine("%s, reconnecting in %s", cause, wait)
	select {
	case <-s.stop:
		return false
	case <-time.After(wait):
		return true
	}
}

func (s *Session) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout()}
	conn, _, err := dialer.Dial(s.cfg.WSURL, nil)
	return conn, err
}

func (s *Session) pingLoop(conn *websocket.Conn, done chan struct{}) {
	interval := s.cfg.PingInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readLoop reports whether the connection carried any inbound traffic
// before it closed.
func (s *Session) readLoop(conn *websocket.Conn) bool {
	active := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return active
		}
		active = true
		s.handleMessage(raw)
	}
}

func (s *Session) handleMessage(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logging.Get(logging.CategoryEngine).Error("malformed engine message: %v", err)
		return
	}

	switch {
	case msg.Type == "welcome":
		logging.Engine("engine identified itself (version %s)", msg.Version)
	case msg.Command == cmdGetTrackInfo:
		s.handleGetTrackInfo(&msg)
	case msg.Command == cmdSetCue:
		s.handleSetCue(&msg)
	case msg.Event == evtTrackLoadRequested:
		s.setDeck(msg.Deck, msg.TrackID)
	case msg.Event == evtTrackLoaded:
		if msg.Success == nil || *msg.Success {
			s.setDeck(msg.Deck, msg.TrackID)
		} else {
			s.clearDeck(msg.Deck)
		}
	case msg.Event == evtCuePointSet:
		if msg.Success == nil || *msg.Success {
			s.handleSetCue(&msg)
		}
	case msg.Event == evtCuePointRemoved:
		s.handleRemoveCue(&msg)
	case msg.Event == evtDeckStateUpdate:
		// High-frequency playback telemetry, deliberately ignored.
	default:
		logging.EngineDebug("unhandled engine message: %s", string(raw))
	}
}

// handleGetTrackInfo replies inline. The stem probe is strictly sequenced
// after the reply on this goroutine, so stemsReady can never overtake the
// track info for the same request.
func (s *Session) handleGetTrackInfo(msg *inboundMessage) {
	if msg.Deck != "" {
		s.setDeck(msg.Deck, msg.TrackID)
	}

	track, err := s.st.GetTrack(msg.TrackID)
	if err != nil {
		s.sendError(msg, "Track not found")
		return
	}
	if _, err := os.Stat(track.FilePath); err != nil {
		s.sendError(msg, "Track file missing")
		return
	}

	if !track.Analyzed() {
		hook := &store.CallbackMetadata{
			Kind:          store.HookTrackInfo,
			EngineTrackID: msg.TrackID,
			RequestID:     msg.RequestID,
		}
		if _, err := s.queue.Request(track,
			store.AnalysisOptions{BasicFeatures: true},
			store.PriorityHigh, hook, false); err != nil {
			logging.Get(logging.CategoryEngine).Error(
				"failed to enqueue analysis for %s: %v", msg.TrackID, err)
		}
		s.sendError(msg, "Analysis in progress")
		return
	}

	cues, err := s.st.ListHotCues(track.ID)
	if err != nil {
		logging.Get(logging.CategoryEngine).Error("hot cues for %s: %v", track.ID, err)
	}
	if err := s.send(trackInfoFor(track, cues, msg.RequestID, msg.TrackID)); err != nil {
		logging.Get(logging.CategoryEngine).Error("track info reply: %v", err)
		return
	}

	if msg.Stems {
		hook := &store.CallbackMetadata{
			Kind:          store.HookStems,
			EngineTrackID: msg.TrackID,
			RequestID:     msg.RequestID,
		}
		if err := s.stems.RequestStems(track, hook); err != nil {
			logging.Get(logging.CategoryEngine).Error(
				"stem request for %s: %v", msg.TrackID, err)
		}
	}
}

func (s *Session) handleSetCue(msg *inboundMessage) {
	if msg.Index == nil || msg.Position == nil {
		logging.EngineDebug("cue message without index/position, dropping")
		return
	}
	trackID, ok := s.DeckTrack(msg.Deck)
	if !ok {
		logging.Engine("cue for deck %s with no loaded track, dropping", msg.Deck)
		return
	}
	err := s.st.UpsertHotCue(&store.HotCue{
		TrackID:  trackID,
		Index:    *msg.Index,
		Position: *msg.Position,
		Source:   store.CueSourceUser,
	})
	if err != nil {
		logging.Get(logging.CategoryEngine).Error("persist cue: %v", err)
	}
}

func (s *Session) handleRemoveCue(msg *inboundMessage) {
	if msg.Index == nil {
		return
	}
	trackID, ok := s.DeckTrack(msg.Deck)
	if !ok {
		return
	}
	err := s.st.DeleteHotCue(trackID, *msg.Index, store.CueSourceUser)
	if err != nil && err != store.ErrNotFound {
		logging.Get(logging.CategoryEngine).Error("delete cue: %v", err)
	}
}

func (s *Session) setDeck(deck, trackID string) {
	if deck == "" || trackID == "" {
		return
	}
	s.mu.Lock()
	s.decks[deck] = trackID
	s.mu.Unlock()
	logging.EngineDebug("deck %s loaded track %s", deck, trackID)
}

func (s *Session) clearDeck(deck string) {
	s.mu.Lock()
	delete(s.decks, deck)
	s.mu.Unlock()
}

// DeliverTrackInfo pushes analysed track info for a delivery hook. Invoked
// by the callback router when a hooked basic_features stage lands.
func (s *Session) DeliverTrackInfo(hook *store.CallbackMetadata, track *store.Track) error {
	engineTrackID := hook.EngineTrackID
	if engineTrackID == "" {
		engineTrackID = track.ID
	}
	cues, err := s.st.ListHotCues(track.ID)
	if err != nil {
		return err
	}
	return s.send(trackInfoFor(track, cues, hook.RequestID, engineTrackID))
}

// DeliverStemsReady pushes a cached stem set for a delivery hook.
func (s *Session) DeliverStemsReady(hook *store.CallbackMetadata, trackHash string, paths map[string]string) error {
	trackID := ""
	if hook != nil {
		trackID = hook.EngineTrackID
	}
	requestID := ""
	if hook != nil {
		requestID = hook.RequestID
	}
	logging.Engine("pushing stems ready for %s (track %s)", trackHash, trackID)
	return s.send(stemsReadyMessage{
		Success:   true,
		Type:      "stemsReady",
		RequestID: requestID,
		TrackID:   trackID,
		Stems:     paths,
	})
}

func (s *Session) sendError(msg *inboundMessage, cause string) {
	err := s.send(&trackInfoReply{
		Success:   false,
		RequestID: msg.RequestID,
		TrackID:   msg.TrackID,
		HotCues:   []hotCuePayload{},
		Error:     cause,
	})
	if err != nil {
		logging.Get(logging.CategoryEngine).Error("error reply: %v", err)
	}
}

func (s *Session) send(msg any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("engine not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}
