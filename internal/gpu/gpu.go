package gpu

import (
	"sync"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Monitor reads temperature and utilization from every NVIDIA device.
type Monitor struct {
	lib         Library
	logger      logger.Logger
	devices     []Device
	names       []string
	initialized bool
	mu          sync.Mutex
}

func New(lib Library, log logger.Logger) *Monitor {
	return &Monitor{
		lib:    lib,
		logger: log,
	}
}

// Initialize loads NVML and caches a handle per device.
func (m *Monitor) Initialize() error {
	errFactory := errors.New()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	if ret := m.lib.Init(); !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}

	count, ret := m.lib.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		m.lib.Shutdown()
		return errFactory.Wrap(ErrDeviceCountFailed, newNVMLError(ret))
	}
	if count == 0 {
		m.lib.Shutdown()
		return errFactory.New(ErrNoDevices)
	}

	m.devices = make([]Device, count)
	m.names = make([]string, count)
	for i := 0; i < count; i++ {
		device, ret := m.lib.DeviceGetHandleByIndex(i)
		if !IsNVMLSuccess(ret) {
			m.lib.Shutdown()
			return errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret)).WithData(i)
		}
		m.devices[i] = device

		name, ret := device.GetName()
		if !IsNVMLSuccess(ret) {
			m.logger.Warn().Int("gpu_index", i).Msgf("Failed to get GPU name: %v", nvml.ErrorString(ret))
			name = "unknown"
		}
		m.names[i] = name
		m.logger.Info().Int("gpu_index", i).Str("gpu_name", name).Msg("Detected GPU")
	}

	m.initialized = true

	return nil
}

func (m *Monitor) Shutdown() error {
	errFactory := errors.New()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil
	}

	m.initialized = false
	m.devices = nil
	if ret := m.lib.Shutdown(); !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrShutdownFailed, newNVMLError(ret))
	}

	return nil
}

// Sample reads every device once. A device that fails to report is
// skipped so one flaky card does not blind the controller to the rest.
func (m *Monitor) Sample() ([]Reading, error) {
	errFactory := errors.New()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, errFactory.New(ErrNotInitialized)
	}

	readings := make([]Reading, 0, len(m.devices))
	var lastErr error
	for i, device := range m.devices {
		temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
		if !IsNVMLSuccess(ret) {
			lastErr = errFactory.Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
			m.logger.Debug().Int("gpu_index", i).Err(lastErr).Msg("Skipping GPU")
			continue
		}

		util, ret := device.GetUtilizationRates()
		if !IsNVMLSuccess(ret) {
			lastErr = errFactory.Wrap(ErrUtilizationReadFailed, newNVMLError(ret))
			m.logger.Debug().Int("gpu_index", i).Err(lastErr).Msg("Skipping GPU")
			continue
		}

		readings = append(readings, Reading{
			Index:       i,
			Name:        m.names[i],
			Temperature: int(temp),
			Utilization: int(util.Gpu),
		})
	}

	if len(readings) == 0 && lastErr != nil {
		return nil, lastErr
	}

	return readings, nil
}
