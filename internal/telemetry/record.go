package telemetry

import (
	"fmt"
	"strconv"
	"strings"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
)

const (
	minFields = 4
	cutset    = " \t\r\n"
)

// Record is one GPU's report from one telemetry interval.
type Record struct {
	Index       int
	Name        string
	Temperature int
	Utilization int
}

// ParseLine parses "index, name, temperature, utilization" as printed by
// nvidia-smi with --format=csv,noheader,nounits.
func ParseLine(line string) (Record, error) {
	errFactory := errors.New()

	fields := strings.Split(strings.Trim(line, cutset), ",")
	if len(fields) < minFields {
		return Record{}, errFactory.WithData(ErrMalformedRecord, fmt.Sprintf("expected %d fields in %q", minFields, line))
	}
	for i := range fields {
		fields[i] = strings.Trim(fields[i], cutset)
	}

	last := len(fields) - 1
	index, err := strconv.Atoi(fields[0])
	if err != nil {
		return Record{}, errFactory.Wrap(ErrMalformedRecord, err)
	}
	temp, err := strconv.Atoi(fields[last-1])
	if err != nil {
		return Record{}, errFactory.Wrap(ErrMalformedRecord, err)
	}
	util, err := strconv.Atoi(fields[last])
	if err != nil {
		return Record{}, errFactory.Wrap(ErrMalformedRecord, err)
	}

	return Record{
		Index:       index,
		Name:        strings.Join(fields[1:last-1], ", "),
		Temperature: temp,
		Utilization: util,
	}, nil
}

// Format renders r in the wire format ParseLine accepts.
func (r Record) Format() string {
	return fmt.Sprintf("%d, %s, %d, %d\n", r.Index, r.Name, r.Temperature, r.Utilization)
}
