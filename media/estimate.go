package media

import (
	"errors"
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
)

// MinEstimateBytes is the smallest size an estimate will ever report.
const MinEstimateBytes int64 = 64 * 1024

const (
	MethodBitrate = "bitrate"
	MethodRatio   = "ratio"
)

var ErrNothingToEstimate = errors.New("input size or duration and bitrate required")

type ratioBand struct {
	typical, low, high float64
}

var tierRatios = map[Tier]ratioBand{
	TierHigh:     {typical: 0.82, low: 0.75, high: 0.90},
	TierBalanced: {typical: 0.62, low: 0.55, high: 0.70},
	TierLight:    {typical: 0.45, low: 0.35, high: 0.55},
}

type EstimateInput struct {
	InputBytes int64         `json:"inputBytes"`
	Duration   time.Duration `json:"-"`
	// BitRate is the overall input bitrate in bits per second.
	BitRate int64 `json:"bitRate"`
	Tier    Tier  `json:"tier"`
}

// Estimate is advisory output-size guidance. It never decides whether an
// operation may run.
type Estimate struct {
	Bytes     int64  `json:"bytes"`
	LowBytes  int64  `json:"lowBytes"`
	HighBytes int64  `json:"highBytes"`
	Method    string `json:"method"`
	Label     string `json:"label"`
}

// EstimateOutput predicts the output size for in. Known duration and bitrate
// take precedence over the plain input size.
func EstimateOutput(in EstimateInput) (Estimate, error) {
	band, ok := tierRatios[in.Tier]
	if !ok {
		return Estimate{}, fmt.Errorf("unknown quality tier %q", in.Tier)
	}

	var est Estimate
	switch {
	case in.Duration > 0 && in.BitRate > 0:
		bits := in.Duration.Seconds() * float64(in.BitRate)
		est = Estimate{
			Bytes:     capTo(int64(bits*band.typical/8), in.InputBytes),
			LowBytes:  capTo(int64(bits*band.low/8), in.InputBytes),
			HighBytes: capTo(int64(bits*band.high/8), in.InputBytes),
			Method:    MethodBitrate,
		}
	case in.InputBytes > 0:
		size := float64(in.InputBytes)
		est = Estimate{
			Bytes:     int64(size * band.typical),
			LowBytes:  int64(size * band.low),
			HighBytes: int64(size * band.high),
			Method:    MethodRatio,
		}
	default:
		return Estimate{}, ErrNothingToEstimate
	}

	est.Bytes = floor(est.Bytes)
	est.LowBytes = floor(est.LowBytes)
	est.HighBytes = floor(est.HighBytes)
	est.Label = datasize.ByteSize(est.Bytes).HumanReadable()
	return est, nil
}

func capTo(v, limit int64) int64 {
	if limit > 0 && v > limit {
		return limit
	}
	return v
}

func floor(v int64) int64 {
	if v < MinEstimateBytes {
		return MinEstimateBytes
	}
	return v
}
