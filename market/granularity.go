package market

import (
	"time"

	"github.com/rustyeddy/strategylab/errs"
)

// Granularity represents the time frame for candles
type Granularity string

const (
	S5  Granularity = "S5"  // 5 seconds
	S10 Granularity = "S10" // 10 seconds
	S15 Granularity = "S15" // 15 seconds
	S30 Granularity = "S30" // 30 seconds
	M1  Granularity = "M1"  // 1 minute
	M2  Granularity = "M2"  // 2 minutes
	M4  Granularity = "M4"  // 4 minutes
	M5  Granularity = "M5"  // 5 minutes
	M10 Granularity = "M10" // 10 minutes
	M15 Granularity = "M15" // 15 minutes
	M30 Granularity = "M30" // 30 minutes
	H1  Granularity = "H1"  // 1 hour
	H2  Granularity = "H2"  // 2 hours
	H3  Granularity = "H3"  // 3 hours
	H4  Granularity = "H4"  // 4 hours
	H6  Granularity = "H6"  // 6 hours
	H8  Granularity = "H8"  // 8 hours
	H12 Granularity = "H12" // 12 hours
	D   Granularity = "D"   // 1 day
	W   Granularity = "W"   // 1 week
	M   Granularity = "M"   // 1 month
)

type GranularityInfo struct {
	Code    Granularity `json:"value"`
	Label   string      `json:"label"`
	Seconds int         `json:"seconds"`
}

var granularities = []GranularityInfo{
	{S5, "5 Seconds", 5},
	{S10, "10 Seconds", 10},
	{S15, "15 Seconds", 15},
	{S30, "30 Seconds", 30},
	{M1, "1 Minute", 60},
	{M2, "2 Minutes", 120},
	{M4, "4 Minutes", 240},
	{M5, "5 Minutes", 300},
	{M10, "10 Minutes", 600},
	{M15, "15 Minutes", 900},
	{M30, "30 Minutes", 1800},
	{H1, "1 Hour", 3600},
	{H2, "2 Hours", 7200},
	{H3, "3 Hours", 10800},
	{H4, "4 Hours", 14400},
	{H6, "6 Hours", 21600},
	{H8, "8 Hours", 28800},
	{H12, "12 Hours", 43200},
	{D, "1 Day", 86400},
	{W, "1 Week", 604800},
	{M, "1 Month", 2592000},
}

// Granularities lists every supported timeframe, shortest first.
func Granularities() []GranularityInfo {
	out := make([]GranularityInfo, len(granularities))
	copy(out, granularities)
	return out
}

// ParseGranularity validates a timeframe code.
func ParseGranularity(s string) (Granularity, error) {
	for _, g := range granularities {
		if string(g.Code) == s {
			return g.Code, nil
		}
	}
	return "", errs.Validationf("unknown granularity %q", s)
}

func (g Granularity) Valid() bool {
	_, err := ParseGranularity(string(g))
	return err == nil
}

// Duration is the length of one bar. Unknown codes report zero.
func (g Granularity) Duration() time.Duration {
	for _, info := range granularities {
		if info.Code == g {
			return time.Duration(info.Seconds) * time.Second
		}
	}
	return 0
}
