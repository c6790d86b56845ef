package telemetry_test

import (
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/gpu"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"codeberg.org/mutker/bmcfanctl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func waitDone(t *testing.T, r *telemetry.Reader) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("reader did not finish")
	}
}

func TestReaderSourceExitsOnItsOwn(t *testing.T) {
	q := telemetry.NewQueue(16)
	src := telemetry.NewCommandSource("/bin/sh", "-c", `printf '0, Tesla P40, 50, 1\n1, Tesla P40, 60, 2\n'`)
	r := telemetry.NewReader(src, q, logger.Nop())

	require.NoError(t, r.Start())
	waitDone(t, r)

	assert.NoError(t, r.Err())
	assert.Equal(t, []string{"0, Tesla P40, 50, 1", "1, Tesla P40, 60, 2"}, q.Drain())

	select {
	case <-r.Stopping():
		t.Fatal("completion must not look like a stop request")
	default:
	}
}

func TestReaderStopFlushesBufferedOutput(t *testing.T) {
	q := telemetry.NewQueue(16)
	src := telemetry.NewCommandSource("/bin/sh", "-c", `printf '0, Tesla P40, 70, 99\n'; exec sleep 30`)
	r := telemetry.NewReader(src, q, logger.Nop())

	require.NoError(t, r.Start())
	require.Eventually(t, func() bool { return q.Len() == 1 }, waitFor, 10*time.Millisecond)

	select {
	case <-r.Done():
		t.Fatal("reader finished before the source was stopped")
	default:
	}

	r.Stop()
	r.Stop()
	waitDone(t, r)

	assert.NoError(t, r.Err(), "a requested kill is not a source failure")
	assert.Equal(t, []string{"0, Tesla P40, 70, 99"}, q.Drain())
}

func TestReaderSourceFailure(t *testing.T) {
	q := telemetry.NewQueue(16)
	src := telemetry.NewCommandSource("/bin/sh", "-c", `echo '0, Tesla P40, 40, 0'; exit 3`)
	r := telemetry.NewReader(src, q, logger.Nop())

	require.NoError(t, r.Start())
	waitDone(t, r)

	assert.True(t, errors.HasCode(r.Err(), telemetry.ErrSourceExited))
	assert.Len(t, q.Drain(), 1)
}

func TestReaderSourceMissing(t *testing.T) {
	src := telemetry.NewCommandSource("/nonexistent/nvidia-smi")
	r := telemetry.NewReader(src, telemetry.NewQueue(1), logger.Nop())

	err := r.Start()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, telemetry.ErrSourceStart))
	waitDone(t, r)
	assert.Equal(t, err, r.Err())
}

func TestReaderStartTwice(t *testing.T) {
	src := telemetry.NewCommandSource("/bin/sh", "-c", "exit 0")
	r := telemetry.NewReader(src, telemetry.NewQueue(1), logger.Nop())

	require.NoError(t, r.Start())
	assert.True(t, errors.HasCode(r.Start(), telemetry.ErrSourceRunning))
	waitDone(t, r)
}

func TestSMISourceArguments(t *testing.T) {
	src := telemetry.NewSMISource(3 * time.Second)
	assert.Equal(t, telemetry.SMIBinary, src.Name())
}

type fakeSampler struct {
	mu        sync.Mutex
	readings  []gpu.Reading
	shutdowns int
}

func (s *fakeSampler) Initialize() error { return nil }

func (s *fakeSampler) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	return nil
}

func (s *fakeSampler) Sample() ([]gpu.Reading, error) {
	return s.readings, nil
}

func TestNVMLSourceThroughReader(t *testing.T) {
	sampler := &fakeSampler{readings: []gpu.Reading{
		{Index: 0, Name: "Tesla P40", Temperature: 66, Utilization: 100},
		{Index: 1, Name: "Tesla P4", Temperature: 41, Utilization: 0},
	}}
	q := telemetry.NewQueue(64)
	r := telemetry.NewReader(telemetry.NewNVMLSource(sampler, time.Hour, logger.Nop()), q, logger.Nop())

	require.NoError(t, r.Start())
	require.Eventually(t, func() bool { return q.Len() == 2 }, waitFor, 10*time.Millisecond)

	r.Stop()
	waitDone(t, r)
	require.NoError(t, r.Err())

	lines := q.Drain()
	require.Len(t, lines, 2)
	rec, err := telemetry.ParseLine(lines[0])
	require.NoError(t, err)
	assert.Equal(t, telemetry.Record{Index: 0, Name: "Tesla P40", Temperature: 66, Utilization: 100}, rec)

	sampler.mu.Lock()
	defer sampler.mu.Unlock()
	assert.Equal(t, 1, sampler.shutdowns)
}
