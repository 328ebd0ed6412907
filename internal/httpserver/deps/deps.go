package deps

import (
	"time"

	"github.com/poglesbyg/tracseq-gateway/internal/logger"
	"github.com/poglesbyg/tracseq-gateway/internal/monitoring"
)

type Deps struct {
	Logger      logger.Logger
	Manager     *monitoring.Manager // gateway state: dispatcher, metrics, breakers, limiter, health
	StartTime   time.Time
	ServiceName string
	Version     string
	Commit      string
	BuildDate   string
	GoVersion   string
	TimeNow     func() time.Time // for testing, defaults to time.Now
	AdminCIDRS  []string         // IPs allowed to access /metrics and /gateway/* (empty = everyone)
	CORSOrigins []string         // allowed CORS origins
	TrustProxy  bool             // true if running behind a trusted reverse proxy
}

// Now returns the current time through TimeNow when set.
func (d Deps) Now() time.Time {
	if d.TimeNow != nil {
		return d.TimeNow()
	}
	return time.Now()
}
