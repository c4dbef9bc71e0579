package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/meeting-audio-pipeline/internal/audio"
	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
)

type fakeJobClient struct {
	statuses   []JobStatus // Returned by successive GetJob calls; the last repeats
	transcript *Transcript
	submitErr  error

	// When pollsPerJob is set every job stays in progress for that many
	// polls and then completes; statuses is ignored.
	pollsPerJob int
	// When release is set jobs stay in progress until it is closed
	release chan struct{}

	mu        sync.Mutex
	submits   int
	polls     int
	payloads  [][]byte
	jobPolls  map[string]int
	active    int // Jobs submitted and not yet terminal
	maxActive int
	overlaps  int // SubmitJob calls made while another job was active
}

func (f *fakeJobClient) SubmitJob(ctx context.Context, wav []byte, opts JobOptions) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.payloads = append(f.payloads, wav)
	if f.active > 0 {
		f.overlaps++
	}
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	return &Job{ID: fmt.Sprintf("job-%d", f.submits), Status: JobSubmitted, SubmittedAt: time.Now()}, nil
}

func (f *fakeJobClient) GetJob(ctx context.Context, id string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobPolls == nil {
		f.jobPolls = make(map[string]int)
	}
	f.jobPolls[id]++

	status := JobInProgress
	switch {
	case f.release != nil:
		select {
		case <-f.release:
			status = JobComplete
		default:
		}
	case f.pollsPerJob > 0:
		if f.jobPolls[id] > f.pollsPerJob {
			status = JobComplete
		}
	case len(f.statuses) > 0:
		idx := f.polls
		if idx >= len(f.statuses) {
			idx = len(f.statuses) - 1
		}
		status = f.statuses[idx]
	}
	f.polls++

	if status == JobComplete || status == JobFailed {
		f.active--
	}
	return &Job{ID: id, Status: status, Failure: "provider error"}, nil
}

func (f *fakeJobClient) GetTranscript(ctx context.Context, id string) (*Transcript, error) {
	return f.transcript, nil
}

func (f *fakeJobClient) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func testDispatcherConfig() DispatcherConfig {
	cfg := DefaultDispatcherConfig()
	cfg.PollInterval = time.Millisecond
	cfg.MaxPollAttempts = 5
	return cfg
}

func newTestDispatcher(t *testing.T, client JobClient, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(client, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.NewTestMetrics())
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	return d
}

// toneChunks returns 100 ms chunks of a 200 Hz tone starting at startMs
func toneChunks(seconds float64, startMs uint64, amplitude float64) []audio.AudioChunk {
	const rate = 16000
	n := int(seconds * 10)
	chunks := make([]audio.AudioChunk, n)
	for c := range chunks {
		samples := make([]float32, rate/10)
		for i := range samples {
			idx := c*len(samples) + i
			samples[i] = float32(amplitude * math.Sin(2*math.Pi*200*float64(idx)/rate+0.1))
		}
		chunks[c] = audio.AudioChunk{
			Samples:      samples,
			TimestampMs:  startMs + uint64(c)*100,
			SampleRateHz: rate,
		}
	}
	return chunks
}

func fill(t *testing.T, d *Dispatcher, chunks []audio.AudioChunk) *audio.Window {
	t.Helper()
	for _, chunk := range chunks {
		if cut, err := d.Add(chunk); err != nil || cut != nil {
			t.Fatalf("Add failed: %v (cut %v)", err, cut != nil)
		}
	}
	return d.Flush()
}

func twoSpeakerTranscript() *Transcript {
	return &Transcript{Monologues: []Monologue{
		{Speaker: 0, Elements: []Element{
			{Type: "text", Value: "Let's", Ts: 1.0, EndTs: 1.4, Confidence: 0.9},
			{Type: "punct", Value: " "},
			{Type: "text", Value: "begin", Ts: 1.5, EndTs: 2.0, Confidence: 0.8},
			{Type: "punct", Value: "."},
		}},
		{Speaker: 1, Elements: []Element{
			{Type: "text", Value: "Sounds", Ts: 12.0, EndTs: 12.5, Confidence: 0.95},
			{Type: "text", Value: "good", Ts: 12.6, EndTs: 13.0, Confidence: 0.85},
		}},
	}}
}

func TestProcessTwoSpeakerWindow(t *testing.T) {
	client := &fakeJobClient{
		statuses:   []JobStatus{JobInProgress, JobComplete},
		transcript: twoSpeakerTranscript(),
	}
	d := newTestDispatcher(t, client, testDispatcherConfig())

	window := fill(t, d, toneChunks(35, 60000, 0.2))
	out := make(chan Result, 8)

	if n := d.Process(context.Background(), window, out); n != 2 {
		t.Fatalf("Expected 2 results, got %d", n)
	}
	close(out)

	var results []Result
	for r := range out {
		results = append(results, r)
	}

	first, second := results[0], results[1]
	if first.Text != "Let's begin." || second.Text != "Sounds good" {
		t.Errorf("Unexpected texts %q and %q", first.Text, second.Text)
	}
	if first.SpeakerID != "speaker-1" || second.SpeakerID != "speaker-2" {
		t.Errorf("Unexpected speakers %q and %q", first.SpeakerID, second.SpeakerID)
	}
	if first.SpeakerName != "Speaker 1" {
		t.Errorf("Unexpected speaker name %q", first.SpeakerName)
	}
	if first.TimestampMs != 61000 || first.EndMs != 62000 {
		t.Errorf("Expected 61000-62000, got %d-%d", first.TimestampMs, first.EndMs)
	}
	if second.TimestampMs != 72000 || second.TimestampMs < first.TimestampMs {
		t.Errorf("Expected second result at 72000, got %d", second.TimestampMs)
	}
	if math.Abs(first.Confidence-0.85) > 1e-9 {
		t.Errorf("Expected mean confidence 0.85, got %f", first.Confidence)
	}
	if first.Features == nil || math.Abs(first.Features.PitchHz-200) > 5 {
		t.Errorf("Expected ~200 Hz features, got %+v", first.Features)
	}
	if first.Features.DurationMs != 1000 {
		t.Errorf("Expected features over 1000ms span, got %d", first.Features.DurationMs)
	}

	if client.submitCount() != 1 {
		t.Errorf("Expected one submission, got %d", client.submitCount())
	}
	if stats := d.GetStats(); stats.JobsCompleted != 1 || stats.ResultsEmitted != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestProcessMergesWithoutDiarization(t *testing.T) {
	client := &fakeJobClient{statuses: []JobStatus{JobComplete}, transcript: twoSpeakerTranscript()}
	cfg := testDispatcherConfig()
	cfg.Capabilities = Capabilities{SupportsDiarization: false}
	d := newTestDispatcher(t, client, cfg)

	out := make(chan Result, 8)
	if n := d.Process(context.Background(), fill(t, d, toneChunks(20, 0, 0.2)), out); n != 1 {
		t.Fatalf("Expected 1 merged result, got %d", n)
	}

	result := <-out
	if result.Text != "Let's begin. Sounds good" {
		t.Errorf("Unexpected merged text %q", result.Text)
	}
	if result.SpeakerID != "" {
		t.Errorf("Expected no provider speaker, got %q", result.SpeakerID)
	}
	if result.TimestampMs != 1000 || result.EndMs != 13000 {
		t.Errorf("Expected span 1000-13000, got %d-%d", result.TimestampMs, result.EndMs)
	}
}

func TestProcessGates(t *testing.T) {
	tests := []struct {
		name   string
		chunks []audio.AudioChunk
	}{
		{"silence", toneChunks(10, 0, 0)},
		{"quiet", toneChunks(10, 0, 0.005)},
		{"too short", toneChunks(0.4, 0, 0.5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeJobClient{statuses: []JobStatus{JobComplete}, transcript: twoSpeakerTranscript()}
			d := newTestDispatcher(t, client, testDispatcherConfig())

			out := make(chan Result, 8)
			if n := d.Process(context.Background(), fill(t, d, tt.chunks), out); n != 0 {
				t.Errorf("Expected no results, got %d", n)
			}
			if client.submitCount() != 0 {
				t.Errorf("Expected no submission, got %d", client.submitCount())
			}
			if d.GetStats().WindowsDiscarded != 1 {
				t.Error("Expected window to be counted as discarded")
			}
		})
	}
}

func TestTranscribeFailures(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeJobClient
		want   error
	}{
		{"submission", &fakeJobClient{submitErr: ErrSubmissionFailed}, ErrSubmissionFailed},
		{"job failed", &fakeJobClient{statuses: []JobStatus{JobInProgress, JobFailed}}, ErrJobFailed},
		{"polling timeout", &fakeJobClient{statuses: []JobStatus{JobInProgress}}, ErrPollingTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t, tt.client, testDispatcherConfig())
			window := fill(t, d, toneChunks(5, 0, 0.2))

			_, err := d.Transcribe(context.Background(), window)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}

			out := make(chan Result, 1)
			if n := d.Process(context.Background(), fill(t, d, toneChunks(5, 5000, 0.2)), out); n != 0 {
				t.Errorf("Expected failed window to produce nothing, got %d", n)
			}
			if d.GetStats().JobsFailed != 1 {
				t.Errorf("Expected one failed job, got %+v", d.GetStats())
			}
		})
	}
}

func TestProcessTruncatesToProviderLimit(t *testing.T) {
	client := &fakeJobClient{statuses: []JobStatus{JobComplete}, transcript: &Transcript{}}
	cfg := testDispatcherConfig()
	cfg.Capabilities.MaxAudioSeconds = 10
	d := newTestDispatcher(t, client, cfg)

	d.Process(context.Background(), fill(t, d, toneChunks(25, 0, 0.2)), make(chan Result, 1))

	if client.submitCount() != 1 {
		t.Fatalf("Expected one submission, got %d", client.submitCount())
	}
	duration, err := audio.GetWAVDuration(client.payloads[0])
	if err != nil {
		t.Fatalf("Submitted payload is not WAV: %v", err)
	}
	if duration != 10 {
		t.Errorf("Expected 10s payload, got %f", duration)
	}
}

func TestRunFinalFlushOnStop(t *testing.T) {
	client := &fakeJobClient{
		statuses: []JobStatus{JobComplete},
		transcript: &Transcript{Monologues: []Monologue{{Speaker: 0, Elements: []Element{
			{Type: "text", Value: "wrapping", Ts: 0.5, EndTs: 1.0, Confidence: 0.9},
			{Type: "text", Value: "up", Ts: 1.1, EndTs: 1.3, Confidence: 0.9},
		}}}},
	}
	d := newTestDispatcher(t, client, testDispatcherConfig())

	chunks := make(chan audio.AudioChunk, 300)
	out := make(chan Result, 8)
	for _, chunk := range toneChunks(25, 0, 0.2) {
		chunks <- chunk
	}
	close(chunks)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), chunks, out) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not drain")
	}

	var results []Result
	for r := range out {
		results = append(results, r)
	}
	if len(results) != 1 || results[0].Text != "wrapping up" {
		t.Errorf("Unexpected results: %+v", results)
	}
	if client.submitCount() != 1 {
		t.Errorf("Expected exactly one submission, got %d", client.submitCount())
	}
}

func TestRunCutsFullWindows(t *testing.T) {
	client := &fakeJobClient{statuses: []JobStatus{JobComplete}, transcript: &Transcript{}}
	cfg := testDispatcherConfig()
	cfg.Window = 10 * time.Second
	d := newTestDispatcher(t, client, cfg)

	chunks := make(chan audio.AudioChunk, 300)
	out := make(chan Result, 8)
	for _, chunk := range toneChunks(25, 0, 0.2) {
		chunks <- chunk
	}
	close(chunks)

	if err := d.Run(context.Background(), chunks, out); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if client.submitCount() != 3 {
		t.Errorf("Expected 10s + 10s + 5s windows, got %d submissions", client.submitCount())
	}
	if d.GetStats().WindowsFlushed != 3 {
		t.Errorf("Expected 3 flushed windows, got %+v", d.GetStats())
	}
}

func TestRunCancelled(t *testing.T) {
	client := &fakeJobClient{statuses: []JobStatus{JobInProgress}}
	cfg := testDispatcherConfig()
	cfg.MaxPollAttempts = 1 << 20
	d := newTestDispatcher(t, client, cfg)

	chunks := make(chan audio.AudioChunk, 300)
	for _, chunk := range toneChunks(5, 0, 0.2) {
		chunks <- chunk
	}
	close(chunks)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, chunks, make(chan Result, 1)) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestAddCutsWindowAtTimestampGap(t *testing.T) {
	d := newTestDispatcher(t, &fakeJobClient{}, testDispatcherConfig())

	// 0-1 s, then capture resumes at 5 s after four seconds of lost chunks
	chunks := append(toneChunks(1, 0, 0.2), toneChunks(2, 5000, 0.2)...)

	var cuts []*audio.Window
	for _, chunk := range chunks {
		cut, err := d.Add(chunk)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if cut != nil {
			cuts = append(cuts, cut)
		}
	}
	if len(cuts) != 1 {
		t.Fatalf("Expected one window cut at the gap, got %d", len(cuts))
	}
	if cuts[0].StartMs != 0 || cuts[0].EndMs() != 1000 {
		t.Errorf("Expected first window 0-1000, got %d-%d", cuts[0].StartMs, cuts[0].EndMs())
	}

	window := d.Flush()
	if window.StartMs != 5000 {
		t.Fatalf("Expected window after the gap to start at 5000, got %d", window.StartMs)
	}

	transcript := &Transcript{Monologues: []Monologue{{Speaker: 0, Elements: []Element{
		{Type: "text", Value: "later", Ts: 0.5, EndTs: 0.9, Confidence: 0.9},
	}}}}
	results := d.MapTranscript(transcript, window, true)
	if len(results) != 1 || results[0].TimestampMs != 5500 {
		t.Errorf("Expected word at capture time 5500, got %+v", results)
	}

	stats := d.GetStats()
	if stats.AudioGaps != 1 || stats.MissingSeconds != 4 {
		t.Errorf("Expected one 4s gap, got %+v", stats)
	}
	if stats.WindowsFlushed != 2 {
		t.Errorf("Expected 2 flushed windows, got %d", stats.WindowsFlushed)
	}
}

func TestRunKeepsConsumingWhileJobPolls(t *testing.T) {
	client := &fakeJobClient{release: make(chan struct{}), transcript: &Transcript{}}
	cfg := testDispatcherConfig()
	cfg.Window = time.Second
	cfg.QueueSize = 1
	cfg.MaxPollAttempts = 1 << 20
	d := newTestDispatcher(t, client, cfg)

	// Same depth as a small capture subscription; a publisher that cannot
	// hand a chunk over within the timeout counts it as lost
	chunks := make(chan audio.AudioChunk, 10)
	out := make(chan Result, 64)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), chunks, out) }()

	lost := 0
	for _, chunk := range toneChunks(10, 0, 0.2) {
		select {
		case chunks <- chunk:
		case <-time.After(time.Second):
			lost++
		}
	}
	if lost != 0 {
		t.Errorf("Expected every chunk to be consumed while a job polls, %d lost", lost)
	}

	close(client.release)
	close(chunks)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not drain")
	}

	var submitted float64
	client.mu.Lock()
	for _, payload := range client.payloads {
		seconds, err := audio.GetWAVDuration(payload)
		if err != nil {
			t.Fatalf("Submitted payload is not WAV: %v", err)
		}
		submitted += seconds
	}
	client.mu.Unlock()
	if math.Abs(submitted-10) > 1e-6 {
		t.Errorf("Expected all 10s of audio submitted, got %f", submitted)
	}

	stats := d.GetStats()
	if stats.AudioGaps != 0 || stats.Backlog != 0 {
		t.Errorf("Unexpected stats after drain: %+v", stats)
	}
}

func TestRunKeepsOneJobInFlight(t *testing.T) {
	tests := []struct {
		name        string
		pollsPerJob int
		queueSize   int
	}{
		{"completes immediately", 0, 4},
		{"slow jobs", 5, 4},
		{"slow jobs with backlog", 5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeJobClient{pollsPerJob: tt.pollsPerJob, transcript: &Transcript{}}
			if tt.pollsPerJob == 0 {
				client.statuses = []JobStatus{JobComplete}
			}
			cfg := testDispatcherConfig()
			cfg.Window = time.Second
			cfg.QueueSize = tt.queueSize
			cfg.MaxPollAttempts = 50
			d := newTestDispatcher(t, client, cfg)

			// Three full windows are queued before the first job finishes
			chunks := make(chan audio.AudioChunk, 30)
			for _, chunk := range toneChunks(3, 0, 0.2) {
				chunks <- chunk
			}
			close(chunks)

			if err := d.Run(context.Background(), chunks, make(chan Result, 8)); err != nil {
				t.Fatalf("Run returned error: %v", err)
			}

			client.mu.Lock()
			defer client.mu.Unlock()
			if client.submits != 3 {
				t.Errorf("Expected 3 submissions, got %d", client.submits)
			}
			if client.overlaps != 0 || client.maxActive != 1 {
				t.Errorf("Expected one job at a time, got %d overlapping submissions (max %d active)", client.overlaps, client.maxActive)
			}
			if client.active != 0 {
				t.Errorf("Expected every job to finish, %d still active", client.active)
			}
		})
	}
}
