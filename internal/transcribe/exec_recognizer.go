package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/quillvoice/quill-core/internal/audio"
)

// ExecOptions configures a recognizer backed by an external command. The
// command receives a WAV file and prints a JSON object {"text": ...,
// "confidence": ...} on stdout.
type ExecOptions struct {
	Command      string
	ModelPath    string
	Language     string
	EmitPartials bool
	PartialEvery time.Duration
}

type execRecognizer struct {
	cmd  []string
	opts ExecOptions

	mu       sync.Mutex
	pcm      []int
	format   audio.Format
	started  bool
	finished bool

	ctx     context.Context
	cancel  context.CancelFunc
	results chan Result
	wg      sync.WaitGroup

	lastPartial time.Time
	inflight    bool
}

type execResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer builds a recognizer that shells out per analysis pass.
func NewExecRecognizer(opts ExecOptions) (Recognizer, error) {
	args := []string{}
	if opts.Command != "" {
		parser := shellwords.NewParser()
		parsed, err := parser.Parse(opts.Command)
		if err != nil {
			return nil, fmt.Errorf("parse recognizer command: %w", err)
		}
		args = parsed
	}
	if opts.PartialEvery <= 0 {
		opts.PartialEvery = time.Second
	}
	return &execRecognizer{
		cmd:     args,
		opts:    opts,
		results: make(chan Result, 16),
	}, nil
}

func (r *execRecognizer) Availability() Availability {
	if len(r.cmd) == 0 {
		return NotEnabled
	}
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return NotEligible
	}
	if r.opts.ModelPath != "" {
		if _, err := os.Stat(r.opts.ModelPath); err != nil {
			return ModelDownloading
		}
	}
	return Available
}

func (r *execRecognizer) Start(ctx context.Context, format audio.Format) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("recognizer already started")
	}
	if format.Degenerate() {
		return fmt.Errorf("recognizer format %s is unusable", format)
	}
	r.format = format
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	return nil
}

func (r *execRecognizer) Feed(buf audio.Buffer) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return fmt.Errorf("recognizer not started")
	}
	for _, s := range buf.Samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		r.pcm = append(r.pcm, int(s*32767))
	}
	runPartial := r.opts.EmitPartials && !r.inflight &&
		(r.lastPartial.IsZero() || time.Since(r.lastPartial) >= r.opts.PartialEvery)
	if runPartial {
		r.lastPartial = time.Now()
		r.inflight = true
	}
	r.mu.Unlock()

	if runPartial {
		r.runPass(false)
	}
	return nil
}

func (r *execRecognizer) Finish() {
	r.mu.Lock()
	started := r.started
	done := r.finished
	r.mu.Unlock()
	if done {
		return
	}
	if started {
		r.runPass(true)
	}
	r.wg.Wait()
	r.mu.Lock()
	if !r.finished {
		r.finished = true
		close(r.results)
	}
	r.mu.Unlock()
}

func (r *execRecognizer) Results() <-chan Result { return r.results }

func (r *execRecognizer) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.mu.Lock()
	if !r.finished {
		r.finished = true
		close(r.results)
	}
	r.mu.Unlock()
	return nil
}

// runPass snapshots the accumulated audio and invokes the command over it.
// Final passes run synchronously so Finish can close the results channel
// after the last result is delivered.
func (r *execRecognizer) runPass(final bool) {
	r.mu.Lock()
	samples := append([]int(nil), r.pcm...)
	format := r.format
	ctx := r.ctx
	r.mu.Unlock()

	run := func() {
		defer func() {
			r.mu.Lock()
			r.inflight = false
			r.mu.Unlock()
		}()
		if len(samples) == 0 {
			return
		}
		passCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
		defer cancel()
		text, err := r.transcribe(passCtx, samples, format, final)
		if err != nil || text == "" {
			return
		}
		select {
		case r.results <- Result{Text: text, Final: final}:
		case <-ctx.Done():
		}
	}

	if final {
		run()
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		run()
	}()
}

func (r *execRecognizer) transcribe(ctx context.Context, samples []int, format audio.Format, final bool) (string, error) {
	file, err := os.CreateTemp("", "quill_asr_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeSamplesToWav(file, samples, format); err != nil {
		return "", err
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.opts.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.opts.ModelPath)
	}
	if r.opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.opts.Language)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode recognizer response: %w", err)
	}
	return resp.Text, nil
}

func writeSamplesToWav(file *os.File, samples []int, format audio.Format) error {
	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: format.Channels,
			SampleRate:  int(format.SampleRate),
		},
		Data: samples,
	}
	enc := wav.NewEncoder(file, int(format.SampleRate), 16, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
