package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loquatlabs/loquat/internal/config"
	"github.com/loquatlabs/loquat/internal/events"
	"github.com/loquatlabs/loquat/internal/faults"
	"github.com/loquatlabs/loquat/internal/observe"
	"github.com/loquatlabs/loquat/internal/resilience"
	"github.com/loquatlabs/loquat/pkg/asr"
	"github.com/loquatlabs/loquat/pkg/audio"
	"github.com/loquatlabs/loquat/pkg/diar"
)

type stubEngine struct{ tier asr.Tier }

func (s *stubEngine) Decode(context.Context, asr.Window) (asr.Segment, error) {
	return asr.Segment{}, nil
}
func (s *stubEngine) Tier() asr.Tier { return s.tier }
func (s *stubEngine) Close() error   { return nil }

// bareSession builds a Session without loading any models, enough to drive
// the coordinator paths directly.
func bareSession(t *testing.T) *Session {
	t.Helper()
	ring, err := audio.NewRing(audio.MinRingCapacity, nil)
	require.NoError(t, err)
	ladder, err := resilience.NewTierLadder(
		map[asr.Tier]asr.Engine{asr.TierStandard: &stubEngine{tier: asr.TierStandard}},
		asr.TierStandard)
	require.NoError(t, err)

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	return &Session{
		id:           "session-test",
		cfg:          cfg,
		status:       StatusActive,
		startedAt:    time.Now(),
		ring:         ring,
		ladder:       ladder,
		rtf:          &observe.RTFTracker{},
		asrSegs:      map[uuid.UUID]asr.Segment{},
		aligned:      map[uuid.UUID][]diar.FinalSegment{},
		speakerNames: map[string]string{},
	}
}

func liveSeg(start, end time.Duration, text string) asr.Segment {
	words := []asr.Word{{Text: text, Start: start, End: end, Confidence: 0.9}}
	return asr.Segment{
		ID: uuid.New(), Start: start, End: end, Text: text,
		Words: words, Language: "en", Pass: asr.PassLive, CreatedAt: time.Now(),
	}
}

func TestApplyASRUpdate_AlignsAgainstSpeakers(t *testing.T) {
	s := bareSession(t)
	s.speakerSegs = []diar.SpeakerSegment{
		{SpeakerID: "alice", Start: 0, End: 10 * time.Second, Confidence: 0.9},
	}

	seg := liveSeg(time.Second, 2*time.Second, "hello")
	s.applyASRUpdate(asrUpdate{segments: []asr.Segment{seg}, updateType: events.UpdateNew})

	require.Len(t, s.aligned[seg.ID], 1)
	assert.Equal(t, "alice", s.aligned[seg.ID][0].SpeakerID)
	assert.Equal(t, 1, s.counters.segmentsEmitted)
}

func TestApplyASRUpdate_CorrectionReplacesByID(t *testing.T) {
	s := bareSession(t)
	seg := liveSeg(0, 2*time.Second, "helo")
	s.applyASRUpdate(asrUpdate{segments: []asr.Segment{seg}, updateType: events.UpdateNew})

	fixed := seg
	fixed.Text = "hello"
	fixed.Words = []asr.Word{{Text: "hello", Start: 0, End: 2 * time.Second, Confidence: 0.95}}
	fixed.Pass = asr.PassRefine
	fixed.UpdatedAt = time.Now()
	s.applyASRUpdate(asrUpdate{segments: []asr.Segment{fixed}, updateType: events.UpdateCorrection})

	require.Len(t, s.asrOrder, 1, "correction must not duplicate the segment")
	assert.Equal(t, "hello", s.aligned[seg.ID][0].Text)
	assert.Equal(t, asr.PassRefine, s.aligned[seg.ID][0].Pass)
}

func TestApplyDiarUpdate_ReattributesRecentSegments(t *testing.T) {
	s := bareSession(t)
	seg := liveSeg(time.Second, 3*time.Second, "word")
	s.applyASRUpdate(asrUpdate{segments: []asr.Segment{seg}, updateType: events.UpdateNew})

	// Without speaker evidence the word lands on the placeholder identity.
	before := s.aligned[seg.ID][0].SpeakerID
	require.NotEmpty(t, before)

	s.applyDiarUpdate(diarUpdate{segments: []diar.SpeakerSegment{
		{SpeakerID: "bob", Start: 0, End: 5 * time.Second, Confidence: 0.8},
	}})

	assert.Equal(t, "bob", s.aligned[seg.ID][0].SpeakerID)
}

func TestRewriteSpeaker_Merge(t *testing.T) {
	s := bareSession(t)
	seg := liveSeg(0, 2*time.Second, "hi")
	s.speakerSegs = []diar.SpeakerSegment{
		{SpeakerID: "b", Start: 0, End: 2 * time.Second, Confidence: 0.9, OverlapWith: []string{"a"}},
	}
	s.applyASRUpdate(asrUpdate{segments: []asr.Segment{seg}, updateType: events.UpdateNew})
	require.Equal(t, "b", s.aligned[seg.ID][0].SpeakerID)

	s.applyDiarUpdate(diarUpdate{rewriteFrom: "b", rewriteTo: "a"})

	assert.Equal(t, "a", s.aligned[seg.ID][0].SpeakerID)
	assert.Equal(t, "a", s.speakerSegs[0].SpeakerID)
}

func TestReassignSpeaker_Split(t *testing.T) {
	s := bareSession(t)
	s.speakerSegs = []diar.SpeakerSegment{
		{SpeakerID: "a", Start: 0, End: 2 * time.Second, Confidence: 0.9},
		{SpeakerID: "a", Start: 10 * time.Second, End: 12 * time.Second, Confidence: 0.9},
	}
	s.applyDiarUpdate(diarUpdate{reassignID: "a", reassignTo: "a2", reassignAt: 5 * time.Second})

	assert.Equal(t, "a", s.speakerSegs[0].SpeakerID)
	assert.Equal(t, "a2", s.speakerSegs[1].SpeakerID)
}

func TestFinalResult_AggregatesSpeakers(t *testing.T) {
	s := bareSession(t)
	s.speakerNames["alice"] = "Alice"
	s.speakerSegs = []diar.SpeakerSegment{
		{SpeakerID: "alice", Start: 0, End: 10 * time.Second, Confidence: 0.9},
	}
	s.applyASRUpdate(asrUpdate{segments: []asr.Segment{
		liveSeg(0, 2*time.Second, "one"),
		liveSeg(3*time.Second, 5*time.Second, "two"),
	}, updateType: events.UpdateNew})

	res := s.finalResult()
	require.Len(t, res.Segments, 2)
	require.Len(t, res.Speakers, 1)
	assert.Equal(t, "Alice", res.Speakers[0].DisplayName)
	assert.Equal(t, 2, res.Speakers[0].SegmentCount)
	assert.Equal(t, 4*time.Second, res.Speakers[0].SpeakingTime)
}

func TestTailBuffer_SliceAndGap(t *testing.T) {
	tb := newTailBuffer(100)
	tb.append(0, seqF(0, 50))
	tb.append(50, seqF(50, 50))

	out, start := tb.slice(20, 80)
	require.Equal(t, uint64(20), start)
	require.Len(t, out, 60)
	assert.Equal(t, float32(20), out[0])

	// Overflow trims the oldest samples.
	tb.append(100, seqF(100, 30))
	_, start = tb.slice(0, 200)
	assert.Equal(t, uint64(30), start)

	// A gap (forced cursor advance) resets to the new base.
	tb.append(500, seqF(500, 10))
	out, start = tb.slice(0, 1000)
	assert.Equal(t, uint64(500), start)
	assert.Len(t, out, 10)
}

func seqF(start uint64, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + uint64(i))
	}
	return out
}

func TestCheckResources(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	require.NoError(t, checkResources(cfg))

	cfg.Resources.MaxMemoryMB = 100
	err := checkResources(cfg)
	require.Error(t, err)
	assert.Equal(t, faults.CodeInsufficientMemory, faults.CodeOf(err))

	cfg.Resources.MaxMemoryMB = 1024
	cfg.Resources.HardwareAcceleration = "metal"
	err = checkResources(cfg)
	// Fails everywhere except darwin.
	if err != nil {
		assert.Equal(t, faults.CodeHardwareAccel, faults.CodeOf(err))
	}
}

func TestControllerCommands_UnknownSession(t *testing.T) {
	c := NewController(Deps{})
	if _, err := c.Statistics("nope"); faults.CodeOf(err) != faults.CodeSessionNotFound {
		t.Fatalf("err = %v, want session_not_found", err)
	}
	if err := c.ProcessAudio("nope", nil, 16000, 1, time.Now()); faults.CodeOf(err) != faults.CodeSessionNotFound {
		t.Fatalf("err = %v, want session_not_found", err)
	}
	if n := c.EmergencyStopAll(context.Background()); n != 0 {
		t.Fatalf("EmergencyStopAll on empty controller = %d, want 0", n)
	}
}
