package telemetry

import (
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/gpu"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
)

// SMIBinary is the tool behind the default telemetry source.
const SMIBinary = "nvidia-smi"

// Source produces telemetry lines until stopped or until it exits.
type Source interface {
	Name() string
	// Start begins producing; the returned stream hits EOF when the source ends.
	Start() (io.Reader, error)
	// Stop asks the source to end. Safe to call more than once.
	Stop() error
	// Wait releases the source after its stream hit EOF.
	Wait() error
}

// CommandSource streams the stdout of a subordinate process.
type CommandSource struct {
	name string
	args []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool
}

func NewCommandSource(name string, args ...string) *CommandSource {
	return &CommandSource{name: name, args: args}
}

// NewSMISource queries every GPU each interval.
func NewSMISource(interval time.Duration) *CommandSource {
	seconds := int(interval / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	return NewCommandSource(SMIBinary,
		"--query-gpu=index,gpu_name,temperature.gpu,utilization.gpu",
		"--format=csv,noheader,nounits",
		"-l", strconv.Itoa(seconds),
	)
}

func (s *CommandSource) Name() string {
	return s.name
}

func (s *CommandSource) Start() (io.Reader, error) {
	errFactory := errors.New()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return nil, errFactory.New(ErrSourceRunning)
	}

	cmd := exec.Command(s.name, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errFactory.Wrap(ErrSourceStart, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errFactory.Wrap(ErrSourceStart, err)
	}
	s.cmd = cmd

	return stdout, nil
}

func (s *CommandSource) Stop() error {
	errFactory := errors.New()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.stopped {
		return nil
	}
	s.stopped = true

	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errFactory.Wrap(ErrSourceStop, err)
	}

	return nil
}

func (s *CommandSource) Wait() error {
	errFactory := errors.New()
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}

	err := cmd.Wait()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	if err != nil && !stopped {
		return errFactory.Wrap(ErrSourceExited, err)
	}

	return nil
}

// Sampler reads all GPUs once per call.
type Sampler interface {
	Initialize() error
	Shutdown() error
	Sample() ([]gpu.Reading, error)
}

// NVMLSource polls a Sampler and writes the same line format nvidia-smi
// prints, so the reader does not care which one is running.
type NVMLSource struct {
	sampler  Sampler
	interval time.Duration
	logger   logger.Logger

	mu       sync.Mutex
	stop     chan struct{}
	finished chan struct{}
	err      error
}

func NewNVMLSource(sampler Sampler, interval time.Duration, log logger.Logger) *NVMLSource {
	return &NVMLSource{
		sampler:  sampler,
		interval: interval,
		logger:   log,
	}
}

func (s *NVMLSource) Name() string {
	return "nvml"
}

func (s *NVMLSource) Start() (io.Reader, error) {
	errFactory := errors.New()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return nil, errFactory.New(ErrSourceRunning)
	}

	if err := s.sampler.Initialize(); err != nil {
		return nil, errFactory.Wrap(ErrSourceStart, err)
	}

	pr, pw := io.Pipe()
	s.stop = make(chan struct{})
	s.finished = make(chan struct{})
	go s.poll(pw, s.stop)

	return pr, nil
}

func (s *NVMLSource) poll(pw *io.PipeWriter, stop <-chan struct{}) {
	defer close(s.finished)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.emit(pw); err != nil {
			// reader is gone
			pw.CloseWithError(err)
			s.setErr(err)
			return
		}

		select {
		case <-stop:
			pw.Close()
			return
		case <-ticker.C:
		}
	}
}

func (s *NVMLSource) emit(w io.Writer) error {
	readings, err := s.sampler.Sample()
	if err != nil {
		s.logger.Warn().Err(err).Msg("NVML sample failed")
		return nil
	}

	for _, r := range readings {
		rec := Record{
			Index:       r.Index,
			Name:        r.Name,
			Temperature: r.Temperature,
			Utilization: r.Utilization,
		}
		if _, err := io.WriteString(w, rec.Format()); err != nil {
			return err
		}
	}

	return nil
}

func (s *NVMLSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *NVMLSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop == nil {
		return nil
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}

	return nil
}

func (s *NVMLSource) Wait() error {
	errFactory := errors.New()
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()

	if finished == nil {
		return nil
	}
	<-finished

	if err := s.sampler.Shutdown(); err != nil {
		return errFactory.Wrap(ErrSourceStop, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return errFactory.Wrap(ErrSourceExited, s.err)
	}

	return nil
}
