package gpu

import "github.com/NVIDIA/go-nvml/pkg/nvml"

// Library abstracts the NVML entry points the monitor needs, for testing
type Library interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (Device, nvml.Return)
}

// Device is the subset of nvml.Device read on every sample
type Device interface {
	GetName() (string, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
}

// Reading is one device's state at sample time.
type Reading struct {
	Index       int
	Name        string
	Temperature int
	Utilization int
}
