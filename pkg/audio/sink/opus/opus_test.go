package opus_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/sink/opus"
)

// fakeEncoder records frame sizes and returns a 1-byte packet holding the
// first sample's sign.
type fakeEncoder struct {
	mu     sync.Mutex
	sizes  []int
	failAt int
}

func (e *fakeEncoder) Encode(pcm []int16, frameSize, _ int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sizes = append(e.sizes, frameSize)
	if e.failAt > 0 && len(e.sizes) == e.failAt {
		return nil, errors.New("encoder exploded")
	}
	b := byte(0)
	if pcm[0] > 0 {
		b = 1
	}
	return []byte{b}, nil
}

func buffer(channels, frames int, v float32) *audio.Buffer {
	b := audio.NewBuffer(channels, frames, 48000)
	for _, ch := range b.Channels {
		for i := range ch {
			ch[i] = v
		}
	}
	return b
}

func TestNew_RejectsUnsupportedFormats(t *testing.T) {
	t.Parallel()

	for _, cfg := range []opus.Config{
		{SampleRate: 44100, Channels: 1},
		{SampleRate: 48000, Channels: 3},
		{SampleRate: 48000},
	} {
		if _, err := opus.New(cfg, opus.WithEncoder(&fakeEncoder{})); !errors.Is(err, audio.ErrInvalidConfig) {
			t.Errorf("New(%+v) err = %v, want ErrInvalidConfig", cfg, err)
		}
	}
}

func TestSink_EncodesTwentyMillisecondFrames(t *testing.T) {
	t.Parallel()

	enc := &fakeEncoder{}
	s, err := opus.New(opus.Config{SampleRate: 48000, Channels: 2}, opus.WithEncoder(enc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	packets, cancel := s.Subscribe(16)
	defer cancel()

	// 10 × 480 frames = 100 ms = 5 packets of 960 frames.
	for range 10 {
		if err := s.Write(buffer(2, 480, 0.5)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	var got []opus.Packet
	timeout := time.After(2 * time.Second)
	for len(got) < 5 {
		select {
		case p := <-packets:
			got = append(got, p)
		case <-timeout:
			t.Fatalf("received %d packets, want 5", len(got))
		}
	}
	for i, p := range got {
		if p.Seq != uint64(i) || p.Duration != 20*time.Millisecond || len(p.Data) != 1 || p.Data[0] != 1 {
			t.Errorf("packet %d = %+v", i, p)
		}
	}

	enc.mu.Lock()
	for _, size := range enc.sizes {
		if size != 960 {
			t.Errorf("frame size = %d, want 960", size)
		}
	}
	enc.mu.Unlock()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-packets; ok {
		t.Error("subscription channel should be closed after Close")
	}
	if st := s.Stats(); st.Packets != 5 {
		t.Errorf("Stats.Packets = %d, want 5", st.Packets)
	}
}

func TestSink_EncodeErrorSkipsPacket(t *testing.T) {
	t.Parallel()

	enc := &fakeEncoder{failAt: 1}
	s, err := opus.New(opus.Config{SampleRate: 16000, Channels: 1}, opus.WithEncoder(enc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	packets, cancel := s.Subscribe(4)
	defer cancel()

	// 2 packets worth of 16 kHz mono (320 frames each).
	_ = s.Write(buffer(1, 640, -0.5))

	select {
	case p := <-packets:
		if p.Seq != 0 {
			t.Errorf("first delivered packet seq = %d, want 0", p.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no packet after encode error")
	}
	if st := s.Stats(); st.EncodeErrors != 1 {
		t.Errorf("Stats.EncodeErrors = %d, want 1", st.EncodeErrors)
	}
}

func TestSink_ChannelMismatch(t *testing.T) {
	t.Parallel()

	s, err := opus.New(opus.Config{SampleRate: 48000, Channels: 1}, opus.WithEncoder(&fakeEncoder{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if err := s.Write(buffer(2, 960, 0)); !errors.Is(err, audio.ErrArityMismatch) {
		t.Fatalf("err = %v, want ErrArityMismatch", err)
	}
}

func TestSink_CancelSubscriptionAndDoubleClose(t *testing.T) {
	t.Parallel()

	s, err := opus.New(opus.Config{SampleRate: 48000, Channels: 1}, opus.WithEncoder(&fakeEncoder{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, cancel := s.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("cancelled subscription should be closed")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	late, _ := s.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatal("subscription after Close should be closed")
	}
}
