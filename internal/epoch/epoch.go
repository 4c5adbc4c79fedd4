// Package epoch resolves the single timestamp used for every
// reproducible time field produced by one build run.
package epoch

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/containerd/log"
)

// EnvVar is the environment variable consulted for a fixed build
// timestamp, in unsigned seconds since the Unix epoch.
const EnvVar = "SOURCE_DATE_EPOCH"

// Resolve returns the effective epoch for a run. If SOURCE_DATE_EPOCH is
// set and parses as a non-negative integer it wins; otherwise the current
// wall-clock time is captured. The result is UTC with second precision.
//
// Callers resolve once at startup and pass the value down; every stage
// that stamps time must see the same instant.
func Resolve(ctx context.Context) time.Time {
	if v, ok := os.LookupEnv(EnvVar); ok {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err == nil && secs >= 0 {
			return time.Unix(secs, 0).UTC()
		}
		log.G(ctx).WithField("value", v).Warnf("ignoring unparseable %s", EnvVar)
	}
	return time.Now().Truncate(time.Second).UTC()
}
