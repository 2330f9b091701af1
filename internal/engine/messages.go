package engine

import "decklab/internal/store"

// inboundMessage is the union of every message shape the engine sends.
// Exactly one of Command, Event, or Type is set per message.
type inboundMessage struct {
	Command string `json:"command,omitempty"`
	Event   string `json:"event,omitempty"`
	Type    string `json:"type,omitempty"`

	TrackID   string   `json:"trackId,omitempty"`
	Deck      string   `json:"deck,omitempty"`
	Stems     bool     `json:"stems,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Index     *int     `json:"index,omitempty"`
	Position  *float64 `json:"position,omitempty"`
	Success   *bool    `json:"success,omitempty"`
	Version   string   `json:"version,omitempty"`
}

const (
	cmdGetTrackInfo = "getTrackInfo"
	cmdSetCue       = "deck.setCue"

	evtTrackLoadRequested = "trackLoadRequested"
	evtTrackLoaded        = "trackLoaded"
	evtCuePointSet        = "cuePointSet"
	evtCuePointRemoved    = "cuePointRemoved"
	evtDeckStateUpdate    = "deckStateUpdate"
)

// identifyMessage announces the control plane on every (re)connect.
type identifyMessage struct {
	Command string `json:"command"`
	Client  string `json:"client"`
}

// trackInfoReply answers getTrackInfo and carries sendTrackInfo pushes.
type trackInfoReply struct {
	Success           bool            `json:"success"`
	RequestID         string          `json:"requestId,omitempty"`
	TrackID           string          `json:"trackId"`
	FilePath          string          `json:"filePath,omitempty"`
	BPM               *float64        `json:"bpm,omitempty"`
	Key               *int            `json:"key,omitempty"`
	Mode              *int            `json:"mode,omitempty"`
	FirstBeatOffset   *float64        `json:"firstBeatOffset,omitempty"`
	FirstPhraseBeatNo *int            `json:"firstPhraseBeatNo,omitempty"`
	HotCues           []hotCuePayload `json:"hotCues"`
	Error             string          `json:"error,omitempty"`
}

type hotCuePayload struct {
	Index    int     `json:"index"`
	Position float64 `json:"position"`
	Label    string  `json:"label,omitempty"`
	Color    string  `json:"color,omitempty"`
}

// stemsReadyMessage announces a cached stem set.
type stemsReadyMessage struct {
	Success   bool              `json:"success"`
	Type      string            `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	TrackID   string            `json:"trackId"`
	Stems     map[string]string `json:"stems"`
}

func trackInfoFor(track *store.Track, cues []*store.HotCue, requestID, engineTrackID string) *trackInfoReply {
	reply := &trackInfoReply{
		Success:           true,
		RequestID:         requestID,
		TrackID:           engineTrackID,
		FilePath:          track.FilePath,
		BPM:               track.BPM,
		Key:               track.MusicalKey,
		Mode:              track.Mode,
		FirstBeatOffset:   track.FirstBeatOffset,
		FirstPhraseBeatNo: track.FirstPhraseBeatNo,
		HotCues:           make([]hotCuePayload, 0, len(cues)),
	}
	for _, c := range cues {
		reply.HotCues = append(reply.HotCues, hotCuePayload{
			Index:    c.Index,
			Position: c.Position,
			Label:    c.Label,
			Color:    c.Color,
		})
	}
	return reply
}
