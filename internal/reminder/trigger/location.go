package trigger

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// LoadLocation resolves the studio timezone. The zone database is embedded so
// the result does not depend on the host. An empty name means time.Local.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
