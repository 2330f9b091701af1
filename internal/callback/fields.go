package callback

import (
	"encoding/json"
	"fmt"
	"strings"

	"decklab/internal/stems"
	"decklab/internal/store"
)

// Fields is a decoded callback data object with tolerant, alias-aware
// accessors. Worker versions disagree on field names (tempo vs bpm,
// firstBeatOffset vs first_beat_offset); every alias is resolved here and
// nowhere else, so the rest of the codebase sees canonical names only.
type Fields map[string]any

func (f Fields) lookup(names ...string) (any, bool) {
	for _, n := range names {
		if v, ok := f[n]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Float resolves the first present alias to a float64. Integers are
// accepted; anything else is a miss.
func (f Fields) Float(names ...string) (float64, bool) {
	v, ok := f.lookup(names...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		x, err := n.Float64()
		return x, err == nil
	}
	return 0, false
}

func (f Fields) Int(names ...string) (int, bool) {
	x, ok := f.Float(names...)
	if !ok || x != float64(int(x)) {
		return 0, false
	}
	return int(x), true
}

func (f Fields) String(names ...string) (string, bool) {
	v, ok := f.lookup(names...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool accepts booleans and 0/1 numerics, which older workers emit.
func (f Fields) Bool(names ...string) (bool, bool) {
	v, ok := f.lookup(names...)
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	}
	return false, false
}

func (f Fields) Floats(names ...string) ([]float64, bool) {
	v, ok := f.lookup(names...)
	if !ok {
		return nil, false
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(raw))
	for _, e := range raw {
		n, ok := e.(float64)
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

func (f Fields) Object(names ...string) (Fields, bool) {
	v, ok := f.lookup(names...)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return Fields(m), ok
}

func (f Fields) Slice(names ...string) ([]any, bool) {
	v, ok := f.lookup(names...)
	if !ok {
		return nil, false
	}
	s, ok := v.([]any)
	return s, ok
}

func (f Fields) optFloat(names ...string) *float64 {
	if x, ok := f.Float(names...); ok {
		return &x
	}
	return nil
}

func (f Fields) optInt(names ...string) *int {
	if x, ok := f.Int(names...); ok {
		return &x
	}
	return nil
}

// parseBasicFeatures extracts the basic_features payload: tempo, key,
// mode, beat grid, boundary offsets, plus the bundled waveforms.
func parseBasicFeatures(f Fields) (*store.BasicFeatures, []*store.Waveform, error) {
	out := &store.BasicFeatures{}

	bpm, ok := f.Float("tempo", "bpm")
	if !ok {
		return nil, nil, fmt.Errorf("missing tempo")
	}
	out.BPM = bpm

	key, ok := f.Int("key", "musical_key", "key_index")
	if !ok {
		return nil, nil, fmt.Errorf("missing key")
	}
	out.MusicalKey = key

	mode, ok := f.Int("mode")
	if !ok {
		// Older workers send the name only.
		name, ok := f.String("mode_name", "mode")
		if !ok {
			return nil, nil, fmt.Errorf("missing mode")
		}
		switch strings.ToLower(name) {
		case "major":
			mode = 1
		case "minor":
			mode = 0
		default:
			return nil, nil, fmt.Errorf("unknown mode %q", name)
		}
	}
	out.Mode = mode

	beats, ok := f.Floats("beats")
	if !ok {
		return nil, nil, fmt.Errorf("missing beats")
	}
	out.Beats = beats
	out.Downbeats, _ = f.Floats("downbeats")

	out.TimeSignature = f.optInt("time_signature", "timeSignature")
	out.FirstBeatOffset = f.optFloat("firstBeatOffset", "first_beat_offset")
	out.FirstPhraseBeatNo = f.optInt("firstPhraseBeatNo", "first_phrase_beat_no")
	out.AudibleStart = f.optFloat("audibleStartTime", "audible_start_time", "audible_start")
	out.AudibleEnd = f.optFloat("audibleEndTime", "audible_end_time", "audible_end")
	if v, ok := f.String("analysis_version", "version"); ok {
		out.AnalysisVersion = v
	}

	if err := out.Validate(); err != nil {
		return nil, nil, err
	}

	waveforms, err := parseWaveforms(f, false)
	if err != nil {
		return nil, nil, err
	}
	return out, waveforms, nil
}

func parseWaveforms(f Fields, forStems bool) ([]*store.Waveform, error) {
	entries, ok := f.Slice("waveforms")
	if !ok {
		return nil, nil
	}
	out := make([]*store.Waveform, 0, len(entries))
	for i, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("waveform %d: %w", i, err)
		}
		var wire struct {
			ZoomLevel       int `json:"zoom_level"`
			SampleRate      int `json:"sample_rate"`
			SamplesPerPixel int `json:"samples_per_pixel"`
			NumPixels       int `json:"num_pixels"`
			store.WaveformBands
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("waveform %d: %w", i, err)
		}
		w := &store.Waveform{
			ZoomLevel:       wire.ZoomLevel,
			ForStems:        forStems,
			SampleRate:      wire.SampleRate,
			SamplesPerPixel: wire.SamplesPerPixel,
			NumPixels:       wire.NumPixels,
			Bands:           wire.WaveformBands,
		}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("waveform %d: %w", i, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// parseCharacteristics extracts the characteristics payload. The three
// perceptual flags and the four core scalars are required; spectral
// measures are optional.
func parseCharacteristics(f Fields) (*store.Characteristics, error) {
	out := &store.Characteristics{}

	var ok bool
	if out.Danceability, ok = f.Bool("danceability"); !ok {
		return nil, fmt.Errorf("missing danceability")
	}
	if out.Acousticness, ok = f.Bool("acousticness"); !ok {
		return nil, fmt.Errorf("missing acousticness")
	}
	if out.Instrumentalness, ok = f.Bool("instrumentalness"); !ok {
		return nil, fmt.Errorf("missing instrumentalness")
	}
	if out.Valence, ok = f.Float("valence"); !ok {
		return nil, fmt.Errorf("missing valence")
	}
	if out.Arousal, ok = f.Float("arousal"); !ok {
		return nil, fmt.Errorf("missing arousal")
	}
	if out.Energy, ok = f.Float("energy"); !ok {
		return nil, fmt.Errorf("missing energy")
	}
	if out.Loudness, ok = f.Float("loudness"); !ok {
		return nil, fmt.Errorf("missing loudness")
	}

	out.SpectralCentroid = f.optFloat("spectral_centroid")
	out.SpectralRolloff = f.optFloat("spectral_rolloff")
	out.SpectralBandwidth = f.optFloat("spectral_bandwidth")
	out.ZeroCrossingRate = f.optFloat("zero_crossing_rate")
	return out, nil
}

// parseStemDelivery extracts the stems payload into the fulfilment
// pipeline's shape. "callback" is the remote worker's historical name for
// url delivery; base64 payloads are recognised by content.
func parseStemDelivery(f Fields) (*stems.Delivery, error) {
	d := &stems.Delivery{Files: make(map[string]string, len(stems.StemNames))}

	mode, ok := f.String("delivery_mode", "mode")
	if !ok {
		return nil, fmt.Errorf("missing delivery_mode")
	}

	obj, ok := f.Object("stems")
	if !ok {
		return nil, fmt.Errorf("missing stems object")
	}
	for _, name := range stems.StemNames {
		v, ok := obj.String(name)
		if !ok || v == "" {
			return nil, fmt.Errorf("missing stem %q", name)
		}
		d.Files[name] = v
	}

	switch mode {
	case stems.ModePath, stems.ModeURL, stems.ModeBase64:
		d.Mode = mode
	case "callback":
		d.Mode = stems.ModeURL
		if !strings.HasPrefix(d.Files[stems.StemNames[0]], "http") {
			d.Mode = stems.ModeBase64
		}
	default:
		return nil, fmt.Errorf("unknown delivery_mode %q", mode)
	}

	if v, ok := f.String("format"); ok {
		d.Format = v
	}
	if v, ok := f.Float("processing_time"); ok {
		d.ProcessingTime = v
	}

	waveforms, err := parseWaveforms(f, true)
	if err != nil {
		return nil, err
	}
	d.Waveforms = waveforms
	return d, nil
}
