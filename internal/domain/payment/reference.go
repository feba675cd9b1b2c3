package payment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sony/sonyflake"
)

// ReferenceGenerator issues short, time-ordered transaction references
type ReferenceGenerator struct {
	sf *sonyflake.Sonyflake
}

// NewReferenceGenerator creates a generator. machineID must be unique per
// running instance; zero falls back to the private IP derived default.
func NewReferenceGenerator(machineID uint16) (*ReferenceGenerator, error) {
	settings := sonyflake.Settings{
		StartTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if machineID != 0 {
		settings.MachineID = func() (uint16, error) { return machineID, nil }
	}
	sf := sonyflake.NewSonyflake(settings)
	if sf == nil {
		return nil, fmt.Errorf("sonyflake: cannot determine machine id")
	}
	return &ReferenceGenerator{sf: sf}, nil
}

// Next returns a reference like ZM3K9W1QX7AB
func (g *ReferenceGenerator) Next() (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", fmt.Errorf("generate reference: %w", err)
	}
	return "ZM" + strings.ToUpper(strconv.FormatUint(id, 36)), nil
}
