package sensors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cadence/internal/condition"
)

const DefaultPowerSupplyRoot = "/sys/class/power_supply"

var ErrNoBattery = errors.New("no battery power supply found")

// SysfsBattery reads capacity and status of a battery under Root.
// Name pins a supply (e.g. "BAT0"); empty picks the first battery.
type SysfsBattery struct {
	Root string
	Name string
}

func (s SysfsBattery) root() string {
	if strings.TrimSpace(s.Root) == "" {
		return DefaultPowerSupplyRoot
	}
	return s.Root
}

// ReadBattery implements condition.BatterySource.
func (s SysfsBattery) ReadBattery(ctx context.Context) (condition.Battery, error) {
	if err := ctx.Err(); err != nil {
		return condition.Battery{}, err
	}
	name := strings.TrimSpace(s.Name)
	if name == "" {
		var err error
		name, err = DetectBattery(s.root())
		if err != nil {
			return condition.Battery{}, err
		}
	}
	dir := filepath.Join(s.root(), name)

	raw, err := readTrim(filepath.Join(dir, "capacity"))
	if err != nil {
		return condition.Battery{}, err
	}
	pct, err := strconv.Atoi(raw)
	if err != nil {
		return condition.Battery{}, fmt.Errorf("%s capacity %q: %w", name, raw, err)
	}
	status, err := readTrim(filepath.Join(dir, "status"))
	if err != nil {
		return condition.Battery{}, err
	}
	return condition.Battery{
		Level:    float64(pct) / 100,
		Charging: chargingStatus(status),
	}, nil
}

// DetectBattery returns the first supply under root whose type is Battery.
func DetectBattery(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoBattery
		}
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, n := range names {
		typ, err := readTrim(filepath.Join(root, n, "type"))
		if err != nil {
			continue
		}
		if strings.EqualFold(typ, "Battery") {
			return n, nil
		}
	}
	return "", ErrNoBattery
}

// "Full" counts as charging: the device is on external power.
func chargingStatus(s string) bool {
	switch strings.ToLower(s) {
	case "charging", "full":
		return true
	default:
		return false
	}
}

func readTrim(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
