package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer cuts the stream into fixed segments and transcribes each
// one with an external command. The command runs on its own goroutine so
// AcceptWaveform never waits for it; a finished segment is reported on the
// next AcceptWaveform call. Only one segment is in flight at a time, and
// audio that arrives while the previous segment is still running is dropped.
type execRecognizer struct {
	cmd     []string
	cfg     config.RecognizerConfig
	opts    Options
	timeout time.Duration
	segment int

	buf           []int16
	last          TranscriptResult
	pendingFailed bool

	mu       sync.Mutex
	inflight bool
	spare    []int16
	done     *segmentResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type segmentResult struct {
	result TranscriptResult
	err    error
}

type execAlternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type execResult struct {
	Text         string            `json:"text"`
	Confidence   float64           `json:"confidence"`
	Alternatives []execAlternative `json:"alternatives"`
}

func NewExecRecognizer(cfg config.RecognizerConfig, opts Options) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", opts.SampleRate)
	}
	segment := opts.SampleRate * cfg.SegmentMS / 1000
	if segment <= 0 {
		return nil, fmt.Errorf("segment of %dms is empty at %dHz", cfg.SegmentMS, opts.SampleRate)
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &execRecognizer{
		cmd:     args,
		cfg:     cfg,
		opts:    opts,
		timeout: timeout,
		segment: segment,
		buf:     make([]int16, 0, segment),
		spare:   make([]int16, 0, segment),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (r *execRecognizer) AcceptWaveform(pcm []int16) DecodingState {
	state := Running
	if r.pendingFailed {
		r.pendingFailed = false
		state = Failed
	}

	r.mu.Lock()
	done := r.done
	r.done = nil
	r.mu.Unlock()
	if done != nil {
		if done.err != nil {
			state = Failed
		} else {
			r.last = done.result
			state = Finalized
		}
	}

	dropped := false
	for len(pcm) > 0 {
		n := min(r.segment-len(r.buf), len(pcm))
		r.buf = append(r.buf, pcm[:n]...)
		pcm = pcm[n:]
		if len(r.buf) < r.segment {
			break
		}
		if !r.dispatch() {
			r.buf = r.buf[:0]
			dropped = true
		}
	}
	if dropped {
		if state == Finalized {
			r.pendingFailed = true
		} else {
			state = Failed
		}
	}
	return state
}

func (r *execRecognizer) dispatch() bool {
	r.mu.Lock()
	if r.inflight {
		r.mu.Unlock()
		return false
	}
	r.inflight = true
	seg := r.buf
	r.buf = r.spare[:0]
	r.spare = nil
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		result, err := r.transcribe(r.ctx, seg)

		r.mu.Lock()
		r.done = &segmentResult{result: result, err: err}
		r.inflight = false
		r.spare = seg[:0]
		r.mu.Unlock()
	}()
	return true
}

func (r *execRecognizer) Result() TranscriptResult { return r.last }

// Flush waits for the segment in flight, then transcribes the partial
// segment still buffered. Both results are returned in stream order.
func (r *execRecognizer) Flush(ctx context.Context) ([]TranscriptResult, error) {
	idle := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var (
		out  []TranscriptResult
		errs []error
	)
	r.mu.Lock()
	done := r.done
	r.done = nil
	r.mu.Unlock()
	if done != nil {
		if done.err != nil {
			errs = append(errs, done.err)
		} else {
			out = append(out, done.result)
		}
	}

	if len(r.buf) > 0 {
		tail := r.buf
		r.buf = nil
		result, err := r.transcribe(ctx, tail)
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, result)
		}
	}
	return out, errors.Join(errs...)
}

func (r *execRecognizer) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *execRecognizer) transcribe(ctx context.Context, pcm []int16) (TranscriptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	file, err := os.CreateTemp(os.TempDir(), "loqa_captions_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, r.opts.SampleRate, 1); err != nil {
		return TranscriptResult{}, err
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}
	if r.opts.MaxAlternatives > 0 {
		cmdArgs = append(cmdArgs, "--max-alternatives", strconv.Itoa(r.opts.MaxAlternatives))
	}
	if r.opts.Words {
		cmdArgs = append(cmdArgs, "--words")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	out := TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}
	for _, alt := range resp.Alternatives {
		out.Alternatives = append(out.Alternatives, Alternative{Text: alt.Text, Confidence: alt.Confidence})
	}
	return out, nil
}

func writePCMToWav(file *os.File, pcm []int16, sampleRate int, channels int) error {
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm))
	for i, s := range pcm {
		samples[i] = int(s)
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
