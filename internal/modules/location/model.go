// README: Driver presence as reported by the driver app.
package location

import (
	"time"

	"tomo/internal/types"
)

// Presence is the last heartbeat of one driver.
type Presence struct {
	DriverID types.ID
	Position types.Point
	Online   bool
	SeenAt   time.Time
}
